// Package device is the command catalog for a wristband running wristlink
// firmware: battery, clock, epoch block sync, bitmap paint and accelerometer
// streaming, all expressed as engine command kinds. The wire protocol is
// newline-delimited ASCII; requests and responses may arrive split across
// arbitrary BLE notification boundaries, which is exactly what the engine's
// fragment accumulation handles.
package device

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/okanda/wristlink/engine"
)

// MaxPayloadBytes is the usable bytes per BLE write: the 23-byte default ATT
// MTU minus the 3-byte attribute header.
const MaxPayloadBytes = 20

// Request verbs. Every request and response is a '\n'-terminated line.
const (
	reqBattery     = "BAT?\n"
	reqClock       = "CLK?\n"
	reqMotionStart = "MOT+\n"
	reqMotionStop  = "MOT-\n"
)

// Response prefixes.
const (
	respOK      = "OK"
	respErr     = "ERR:"
	respBattery = "BAT:"
	respClock   = "CLK:"
	respBlock   = "BLK:"
	respMotion  = "MOT:"
	motionEnd   = "MOT:END"
)

// DeviceError is an explicit error line ("ERR:<reason>") from the firmware.
type DeviceError struct {
	Reason string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device: firmware error: %s", e.Reason)
}

// CorruptBlockError reports a CRC mismatch on an epoch block read. There is
// no automatic re-read; callers retry by issuing a fresh ReadBlock.
type CorruptBlockError struct {
	Index int
	Want  uint32
	Got   uint32
}

func (e *CorruptBlockError) Error() string {
	return fmt.Sprintf("device: block %d corrupt: crc %08x, want %08x", e.Index, e.Got, e.Want)
}

// lineComplete reports whether the accumulated fragments hold a full
// response line yet.
func lineComplete(buf engine.Buffer) bool {
	return bytes.IndexByte(buf.Bytes(), '\n') >= 0
}

// firstLine returns the first complete line of the response, without the
// terminator.
func firstLine(buf engine.Buffer) string {
	b := buf.Bytes()
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), "\r")
}

// parseLine strips the expected prefix from the response line, surfacing
// firmware ERR lines as DeviceError.
func parseLine(buf engine.Buffer, prefix string) (string, error) {
	line := firstLine(buf)
	if rest, ok := strings.CutPrefix(line, respErr); ok {
		return "", &DeviceError{Reason: rest}
	}
	rest, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return "", fmt.Errorf("device: unexpected response %q, want %q prefix", line, prefix)
	}
	return rest, nil
}

// parseBlock decodes a "BLK:<idx>:<hex>:<crc32 hex>" line and verifies the
// payload checksum.
func parseBlock(buf engine.Buffer, index int) ([]byte, error) {
	rest, err := parseLine(buf, respBlock)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("device: malformed block response %q", rest)
	}
	idx, err := strconv.Atoi(parts[0])
	if err != nil || idx != index {
		return nil, fmt.Errorf("device: block response for index %s, want %d", parts[0], index)
	}
	payload, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("device: block payload: %w", err)
	}
	want, err := strconv.ParseUint(parts[2], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("device: block crc: %w", err)
	}
	if got := crc32.ChecksumIEEE(payload); got != uint32(want) {
		return nil, &CorruptBlockError{Index: index, Want: uint32(want), Got: got}
	}
	return payload, nil
}

// EncodeBlock builds the block response line the firmware sends. Shared with
// the simulator so both sides agree on the format.
func EncodeBlock(index int, payload []byte) string {
	return fmt.Sprintf("%s%d:%s:%08x\n", respBlock, index, hex.EncodeToString(payload), crc32.ChecksumIEEE(payload))
}

// Motion is one accelerometer sample in raw sensor units.
type Motion struct {
	X, Y, Z int
}

// EncodeMotion builds a "MOT:<x>,<y>,<z>" stream frame.
func EncodeMotion(m Motion) []byte {
	return []byte(fmt.Sprintf("%s%d,%d,%d\n", respMotion, m.X, m.Y, m.Z))
}

// isMotionEnd reports whether frag is the end-of-stream marker.
func isMotionEnd(frag []byte) bool {
	return strings.TrimRight(string(frag), "\r\n") == motionEnd
}

// parseMotion decodes one stream frame.
func parseMotion(frag []byte) (Motion, error) {
	line := strings.TrimRight(string(frag), "\r\n")
	rest, ok := strings.CutPrefix(line, respMotion)
	if !ok {
		return Motion{}, fmt.Errorf("device: unexpected motion frame %q", line)
	}
	parts := strings.Split(rest, ",")
	if len(parts) != 3 {
		return Motion{}, fmt.Errorf("device: malformed motion frame %q", line)
	}
	var m Motion
	var err error
	if m.X, err = strconv.Atoi(parts[0]); err != nil {
		return Motion{}, fmt.Errorf("device: motion frame %q: %w", line, err)
	}
	if m.Y, err = strconv.Atoi(parts[1]); err != nil {
		return Motion{}, fmt.Errorf("device: motion frame %q: %w", line, err)
	}
	if m.Z, err = strconv.Atoi(parts[2]); err != nil {
		return Motion{}, fmt.Errorf("device: motion frame %q: %w", line, err)
	}
	return m, nil
}

// writeChunked splits payload into MTU-safe writes. Large requests (bitmap
// paint) span many BLE packets; the firmware reassembles up to the newline.
func writeChunked(tr engine.Transport, payload []byte) error {
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxPayloadBytes {
			n = MaxPayloadBytes
		}
		if err := tr.Write(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}
