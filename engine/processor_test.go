package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// echoResponder wires a mock transport to answer every write containing
// "PING" with "OK" after delay.
func echoResponder(tr *mockTransport, delay time.Duration) {
	tr.mu.Lock()
	tr.onWrite = func(payload []byte) {
		if !bytes.Contains(payload, []byte("PING")) {
			return
		}
		go func() {
			time.Sleep(delay)
			tr.Notify([]byte("OK"))
		}()
	}
	tr.mu.Unlock()
}

func quickOptions() ProcessorOptions {
	opts := DefaultProcessorOptions()
	opts.PollInterval = 5 * time.Millisecond
	return opts
}

func TestProcessorFIFOAndExclusivity(t *testing.T) {
	tr := newMockTransport()
	echoResponder(tr, 5*time.Millisecond)

	p := NewProcessor(tr, quickOptions())
	p.Start()
	defer p.Dispose()

	const n = 8
	var mu sync.Mutex
	var order []int
	var executing, maxExecuting atomic.Int32

	cmds := make([]*Command[string], n)
	for i := 0; i < n; i++ {
		i := i
		cmds[i] = New(Spec[string]{
			Send: func(tr Transport) error {
				if cur := executing.Add(1); cur > maxExecuting.Load() {
					maxExecuting.Store(cur)
				}
				return tr.Write([]byte("PING"))
			},
			Complete: func(buf Buffer) bool { return bytes.Contains(buf.Bytes(), []byte("OK")) },
			Parse: func(buf Buffer) (string, error) {
				executing.Add(-1)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return string(buf.Bytes()), nil
			},
			Timeout: time.Second,
		})
		p.Submit(cmds[i])
	}

	for i, cmd := range cmds {
		if _, err := cmd.Wait(context.Background()); err != nil {
			t.Fatalf("command %d: Wait() error = %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("terminal order = %v, want submission order", order)
		}
	}
	if maxExecuting.Load() != 1 {
		t.Errorf("max concurrently executing commands = %d, want 1", maxExecuting.Load())
	}
}

func TestProcessorIsolatesFailures(t *testing.T) {
	tr := newMockTransport()
	echoResponder(tr, time.Millisecond)

	p := NewProcessor(tr, quickOptions())
	p.Start()
	defer p.Dispose()

	good1 := okCommand(time.Second)
	sendErr := New(Spec[string]{
		Send:     func(tr Transport) error { return errors.New("radio off") },
		Complete: func(buf Buffer) bool { return false },
		Parse:    func(buf Buffer) (string, error) { return "", nil },
		Timeout:  time.Second,
	})
	panicky := New(Spec[string]{
		Send:     func(tr Transport) error { panic("bad command kind") },
		Complete: func(buf Buffer) bool { return false },
		Parse:    func(buf Buffer) (string, error) { return "", nil },
		Timeout:  time.Second,
	})
	timedOut := New(Spec[string]{
		Send:     func(tr Transport) error { return tr.Write([]byte("NOREPLY")) },
		Complete: func(buf Buffer) bool { return false },
		Parse:    func(buf Buffer) (string, error) { return "", nil },
		Timeout:  30 * time.Millisecond,
	})
	good2 := okCommand(time.Second)

	for _, c := range []Task{good1, sendErr, panicky, timedOut, good2} {
		p.Submit(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := good1.Wait(ctx); err != nil {
		t.Errorf("good1: Wait() error = %v", err)
	}
	if _, err := sendErr.Wait(ctx); err == nil {
		t.Error("sendErr: Wait() returned nil, want send error")
	}
	if _, err := panicky.Wait(ctx); err == nil {
		t.Error("panicky: Wait() returned nil, want abort error")
	}
	var te *TimeoutError
	if _, err := timedOut.Wait(ctx); !errors.As(err, &te) {
		t.Errorf("timedOut: Wait() error = %v, want *TimeoutError", err)
	}
	// The command after every failure mode must still run and succeed.
	if _, err := good2.Wait(ctx); err != nil {
		t.Errorf("good2: Wait() error = %v (queue wedged by an earlier failure)", err)
	}
}

func TestProcessorSkipsCancelledWhileQueued(t *testing.T) {
	tr := newMockTransport()
	echoResponder(tr, 30*time.Millisecond)

	p := NewProcessor(tr, quickOptions())
	p.Start()
	defer p.Dispose()

	var sentB atomic.Bool
	a := okCommand(time.Second)
	b := New(Spec[string]{
		Send: func(tr Transport) error {
			sentB.Store(true)
			return tr.Write([]byte("PING"))
		},
		Complete: func(buf Buffer) bool { return true },
		Parse:    func(buf Buffer) (string, error) { return "", nil },
		Timeout:  time.Second,
	})
	c := okCommand(time.Second)

	p.Submit(a)
	p.Submit(b)
	p.Submit(c)
	b.Cancel() // still queued behind a

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.Wait(ctx); err != nil {
		t.Fatalf("a: Wait() error = %v", err)
	}
	if _, err := b.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("b: Wait() error = %v, want ErrCancelled", err)
	}
	if _, err := c.Wait(ctx); err != nil {
		t.Fatalf("c: Wait() error = %v", err)
	}
	if sentB.Load() {
		t.Error("cancelled-while-queued command invoked its send operation")
	}
}

func TestProcessorTwoCommandScenario(t *testing.T) {
	// A and B both complete on "OK". The device answers A 100ms after A's
	// request and B 150ms after B's request; B's clock starts only once A
	// has resolved, so the whole run takes at least 250ms and resolves in
	// order A then B.
	tr := newMockTransport()
	var delay atomic.Int64
	delay.Store(int64(100 * time.Millisecond))
	tr.onWrite = func(payload []byte) {
		d := time.Duration(delay.Load())
		delay.Store(int64(150 * time.Millisecond))
		go func() {
			time.Sleep(d)
			tr.Notify([]byte("OK"))
		}()
	}

	p := NewProcessor(tr, quickOptions())
	p.Start()
	defer p.Dispose()

	a := okCommand(time.Second)
	b := okCommand(time.Second)
	start := time.Now()
	p.Submit(a)
	p.Submit(b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resA, err := a.Wait(ctx)
	if err != nil {
		t.Fatalf("a: Wait() error = %v", err)
	}
	if b.State() != StatePending && time.Since(start) < 100*time.Millisecond {
		t.Error("b started before a resolved")
	}
	if _, err := b.Wait(ctx); err != nil {
		t.Fatalf("b: Wait() error = %v", err)
	}
	if resA != "OK" {
		t.Errorf("a result = %q, want %q", resA, "OK")
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("total wall time = %v, want >= 250ms (commands overlapped)", elapsed)
	}
	if tr.writeCount() != 2 {
		t.Errorf("writes = %d, want 2", tr.writeCount())
	}
}

func TestProcessorDisposeCancelsQueued(t *testing.T) {
	tr := newMockTransport()
	p := NewProcessor(tr, quickOptions())
	// Never started: queued commands would otherwise wait forever.

	cmd := okCommand(time.Second)
	p.Submit(cmd)
	p.Dispose()
	p.Dispose() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := cmd.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait() error = %v, want ErrCancelled", err)
	}

	// Submitting to a disposed processor cancels immediately.
	late := okCommand(time.Second)
	p.Submit(late)
	if _, err := late.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("late Wait() error = %v, want ErrCancelled", err)
	}
}

func TestProcessorStopLeavesInFlightCommand(t *testing.T) {
	tr := newMockTransport()
	echoResponder(tr, 80*time.Millisecond)

	p := NewProcessor(tr, quickOptions())
	p.Start()

	cmd := okCommand(time.Second)
	p.Submit(cmd)

	// Wait until the command is executing, then stop the processor.
	deadline := time.Now().Add(time.Second)
	for cmd.State() != StateExecuting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	p.Stop()

	got, err := cmd.Wait(context.Background())
	if err != nil || got != "OK" {
		t.Fatalf("in-flight command after Stop() = (%q, %v), want (%q, nil)", got, err, "OK")
	}
}
