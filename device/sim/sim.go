// Package sim is a scripted wristband: it speaks the device protocol over a
// loopback transport so the engine, the command catalog and the demo binary
// can run without hardware. Responses are deliberately split across small
// fragments to exercise the engine's fragment accumulation.
package sim

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/okanda/wristlink/device"
	"github.com/okanda/wristlink/transport"
)

// Options configures the simulated firmware.
type Options struct {
	Battery       int           // initial charge level (default 87)
	BlockCount    int           // epoch blocks available (default 4)
	BlockSize     int           // bytes per block (default 32)
	MotionSamples int           // frames per stream before the end marker (default 10)
	MotionEvery   time.Duration // frame interval (default 10ms)
	Latency       time.Duration // delay before each response (default 0)
	FragmentSize  int           // response fragment size (default 8)
	Logger        *slog.Logger  // default slog.Default()
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Battery:       87,
		BlockCount:    4,
		BlockSize:     32,
		MotionSamples: 10,
		MotionEvery:   10 * time.Millisecond,
		FragmentSize:  8,
		Logger:        slog.Default(),
	}
}

// Device is the simulated firmware attached to one loopback transport.
type Device struct {
	lb   *transport.Loopback
	opts Options

	mu        sync.Mutex
	battery   int
	clock     int64 // unix seconds, advances in real time from last set
	clockSet  time.Time
	blocks    [][]byte
	corrupt   map[int]bool // deliver a bad CRC on the next read of these blocks
	streaming bool
	painted   int // bitmaps drawn, for test assertions
	buf       []byte
}

// New attaches a simulated device to lb and starts answering writes.
func New(lb *transport.Loopback, opts Options) *Device {
	def := DefaultOptions()
	if opts.Battery <= 0 {
		opts.Battery = def.Battery
	}
	if opts.BlockCount <= 0 {
		opts.BlockCount = def.BlockCount
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = def.BlockSize
	}
	if opts.MotionSamples <= 0 {
		opts.MotionSamples = def.MotionSamples
	}
	if opts.MotionEvery <= 0 {
		opts.MotionEvery = def.MotionEvery
	}
	if opts.FragmentSize <= 0 {
		opts.FragmentSize = def.FragmentSize
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}

	d := &Device{
		lb:       lb,
		opts:     opts,
		battery:  opts.Battery,
		clock:    time.Now().Unix(),
		clockSet: time.Now(),
		corrupt:  make(map[int]bool),
	}
	d.blocks = make([][]byte, opts.BlockCount)
	for i := range d.blocks {
		block := make([]byte, opts.BlockSize)
		for j := range block {
			block[j] = byte(i*31 + j)
		}
		d.blocks[i] = block
	}
	lb.Handle(d.onPayload)
	return d
}

// CorruptNextRead flags block index so its next read carries a bad CRC. The
// read after that is clean again, which is how tests drive the
// caller-side retry path.
func (d *Device) CorruptNextRead(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corrupt[index] = true
}

// Painted returns how many bitmaps the firmware has drawn.
func (d *Device) Painted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.painted
}

// onPayload accumulates request bytes (large requests arrive chunked) and
// handles each complete line.
func (d *Device) onPayload(payload []byte) {
	d.mu.Lock()
	d.buf = append(d.buf, payload...)
	var lines []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(d.buf[:i]))
		d.buf = d.buf[i+1:]
	}
	d.mu.Unlock()

	for _, line := range lines {
		d.handle(strings.TrimRight(line, "\r"))
	}
}

func (d *Device) handle(line string) {
	d.opts.Logger.Debug("[sim] request", "line", line)
	switch {
	case line == "BAT?":
		d.mu.Lock()
		pct := d.battery
		d.mu.Unlock()
		d.respond(fmt.Sprintf("BAT:%d\n", pct))

	case line == "CLK?":
		d.mu.Lock()
		now := d.clock + int64(time.Since(d.clockSet)/time.Second)
		d.mu.Unlock()
		d.respond(fmt.Sprintf("CLK:%d\n", now))

	case strings.HasPrefix(line, "CLK="):
		epoch, err := strconv.ParseInt(line[len("CLK="):], 10, 64)
		if err != nil {
			d.respond("ERR:bad clock\n")
			return
		}
		d.mu.Lock()
		d.clock = epoch
		d.clockSet = time.Now()
		d.mu.Unlock()
		d.respond("OK\n")

	case strings.HasPrefix(line, "BLK?"):
		d.handleBlock(line[len("BLK?"):])

	case strings.HasPrefix(line, "IMG!"):
		d.mu.Lock()
		d.painted++
		d.mu.Unlock()
		d.respond("OK\n")

	case line == "MOT+":
		d.mu.Lock()
		already := d.streaming
		d.streaming = true
		d.mu.Unlock()
		if !already {
			go d.streamMotion()
		}

	case line == "MOT-":
		d.mu.Lock()
		d.streaming = false
		d.mu.Unlock()
		d.respond("OK\n")

	default:
		d.respond("ERR:unknown command\n")
	}
}

func (d *Device) handleBlock(arg string) {
	index, err := strconv.Atoi(arg)
	if err != nil || index < 0 || index >= len(d.blocks) {
		d.respond("ERR:no such block\n")
		return
	}
	d.mu.Lock()
	block := d.blocks[index]
	flip := d.corrupt[index]
	delete(d.corrupt, index)
	d.mu.Unlock()

	resp := device.EncodeBlock(index, block)
	if flip {
		// Damage the first payload hex digit after the CRC was computed.
		// The payload starts after the second ':'.
		b := []byte(resp)
		first := strings.IndexByte(resp, ':')
		start := first + 1 + strings.IndexByte(resp[first+1:], ':') + 1
		if b[start] == '0' {
			b[start] = '1'
		} else {
			b[start] = '0'
		}
		resp = string(b)
	}
	d.respond(resp)
}

// streamMotion emits synthetic accelerometer frames until the configured
// sample count runs out or a MOT- arrives, then emits the end marker.
func (d *Device) streamMotion() {
	for i := 0; i < d.opts.MotionSamples; i++ {
		d.mu.Lock()
		active := d.streaming
		d.mu.Unlock()
		if !active {
			break
		}
		d.inject(device.EncodeMotion(device.Motion{X: i, Y: -i, Z: 1000 + i}))
		time.Sleep(d.opts.MotionEvery)
	}
	d.mu.Lock()
	d.streaming = false
	d.mu.Unlock()
	d.inject([]byte("MOT:END\n"))
}

// respond injects one response line, after the configured latency, split
// into FragmentSize notification fragments the way a small-MTU link would.
func (d *Device) respond(line string) {
	go func() {
		if d.opts.Latency > 0 {
			time.Sleep(d.opts.Latency)
		}
		b := []byte(line)
		for len(b) > 0 {
			n := len(b)
			if n > d.opts.FragmentSize {
				n = d.opts.FragmentSize
			}
			d.lb.Inject(b[:n])
			b = b[n:]
		}
	}()
}

// inject delivers one whole frame as a single notification. Stream frames
// are never split; each notification carries one sample.
func (d *Device) inject(frame []byte) {
	d.lb.Inject(frame)
}
