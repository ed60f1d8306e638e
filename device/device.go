package device

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/okanda/wristlink/engine"
)

// Options configures per-command behavior for a Device.
type Options struct {
	CommandTimeout time.Duration // sliding timeout per command (default engine.DefaultTimeout)
	Logger         *slog.Logger  // default slog.Default()
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		CommandTimeout: engine.DefaultTimeout,
		Logger:         slog.Default(),
	}
}

// Device is the session facade over a wristband: each method builds the
// matching command kind, submits it to the processor, and waits for the
// typed result. Methods are safe for concurrent use; the processor
// serializes everything onto the one transport.
type Device struct {
	proc *engine.Processor
	opts Options
}

// New wraps a started processor.
func New(proc *engine.Processor, opts Options) *Device {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = engine.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Device{proc: proc, opts: opts}
}

// lineCommand builds the common single-line request/response command kind.
func lineCommand[T any](d *Device, req string, parse func(buf engine.Buffer) (T, error)) *engine.Command[T] {
	return engine.New(engine.Spec[T]{
		Send:     func(tr engine.Transport) error { return tr.Write([]byte(req)) },
		Complete: lineComplete,
		Parse:    parse,
		Timeout:  d.opts.CommandTimeout,
	})
}

// Battery reads the charge level, 0–100.
func (d *Device) Battery(ctx context.Context) (int, error) {
	cmd := lineCommand(d, reqBattery, func(buf engine.Buffer) (int, error) {
		rest, err := parseLine(buf, respBattery)
		if err != nil {
			return 0, err
		}
		pct, err := strconv.Atoi(rest)
		if err != nil || pct < 0 || pct > 100 {
			return 0, fmt.Errorf("device: battery level %q out of range", rest)
		}
		return pct, nil
	})
	d.proc.Submit(cmd)
	return cmd.Wait(ctx)
}

// Clock reads the device's wall clock.
func (d *Device) Clock(ctx context.Context) (time.Time, error) {
	cmd := lineCommand(d, reqClock, func(buf engine.Buffer) (time.Time, error) {
		rest, err := parseLine(buf, respClock)
		if err != nil {
			return time.Time{}, err
		}
		epoch, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("device: clock %q: %w", rest, err)
		}
		return time.Unix(epoch, 0), nil
	})
	d.proc.Submit(cmd)
	return cmd.Wait(ctx)
}

// SetClock writes the device's wall clock.
func (d *Device) SetClock(ctx context.Context, t time.Time) error {
	req := fmt.Sprintf("CLK=%d\n", t.Unix())
	cmd := lineCommand(d, req, parseOK)
	d.proc.Submit(cmd)
	_, err := cmd.Wait(ctx)
	return err
}

// ReadBlock fetches one epoch block and verifies its CRC32. A mismatch comes
// back as *CorruptBlockError; retrying is the caller's call — each retry is
// just another ReadBlock.
func (d *Device) ReadBlock(ctx context.Context, index int) ([]byte, error) {
	req := fmt.Sprintf("BLK?%d\n", index)
	cmd := lineCommand(d, req, func(buf engine.Buffer) ([]byte, error) {
		return parseBlock(buf, index)
	})
	d.proc.Submit(cmd)
	return cmd.Wait(ctx)
}

// Paint pushes a bitmap to the screen. The request spans many BLE writes;
// the firmware acknowledges once the full line has arrived and the bitmap is
// drawn, so painting gets a longer sliding window than a plain read.
func (d *Device) Paint(ctx context.Context, width, height int, pixels []byte) error {
	req := []byte(fmt.Sprintf("IMG!%dx%d:%s\n", width, height, hex.EncodeToString(pixels)))
	cmd := engine.New(engine.Spec[struct{}]{
		Send:     func(tr engine.Transport) error { return writeChunked(tr, req) },
		Complete: lineComplete,
		Parse:    parseOK,
		Timeout:  2 * d.opts.CommandTimeout,
	})
	d.proc.Submit(cmd)
	_, err := cmd.Wait(ctx)
	return err
}

// StreamMotion starts accelerometer streaming and delivers decoded samples
// to out until the device ends the stream, the stream times out, or ctx is
// cancelled. It blocks for the duration of the stream and never closes out.
func (d *Device) StreamMotion(ctx context.Context, out chan<- Motion) error {
	raw := make(chan []byte, 32)
	s := engine.NewStream(engine.StreamSpec{
		Send:     func(tr engine.Transport) error { return tr.Write([]byte(reqMotionStart)) },
		Complete: isMotionEnd,
		Timeout:  d.opts.CommandTimeout,
	}, raw)
	d.proc.Submit(s)

	decoded := make(chan struct{})
	go func() {
		defer close(decoded)
		for {
			select {
			case frag := <-raw:
				m, err := parseMotion(frag)
				if err != nil {
					d.opts.Logger.Warn("[device] dropping bad motion frame", "error", err)
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			case <-s.Done():
				// Flush frames that arrived before the end marker.
				for {
					select {
					case frag := <-raw:
						if m, err := parseMotion(frag); err == nil {
							select {
							case out <- m:
							case <-ctx.Done():
								return
							}
						}
					default:
						return
					}
				}
			}
		}
	}()

	err := s.Wait(ctx)
	<-decoded
	return err
}

// StopMotion tells the firmware to stop emitting accelerometer frames.
// Because the queue is strictly serial, it cannot run while a stream command
// still occupies the transport: Cancel the stream first, then StopMotion
// silences the device.
func (d *Device) StopMotion(ctx context.Context) error {
	cmd := lineCommand(d, reqMotionStop, parseOK)
	d.proc.Submit(cmd)
	_, err := cmd.Wait(ctx)
	return err
}

// Status aggregates the cheap-to-read device properties.
type Status struct {
	Battery int
	Clock   time.Time
}

// Status reads battery and clock back to back. The two commands queue in
// order like any others.
func (d *Device) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.Battery, err = d.Battery(ctx); err != nil {
		return st, err
	}
	if st.Clock, err = d.Clock(ctx); err != nil {
		return st, err
	}
	return st, nil
}

// parseOK accepts a bare "OK" acknowledgement.
func parseOK(buf engine.Buffer) (struct{}, error) {
	rest, err := parseLine(buf, respOK)
	if err != nil {
		return struct{}{}, err
	}
	if rest != "" {
		return struct{}{}, fmt.Errorf("device: unexpected trailing data %q after OK", rest)
	}
	return struct{}{}, nil
}
