package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is how often a started Processor checks its queue for
// work when ProcessorOptions leaves PollInterval zero.
const DefaultPollInterval = 50 * time.Millisecond

// ProcessorOptions configures queue processing behavior.
type ProcessorOptions struct {
	PollInterval time.Duration // queue check interval (default 50ms)
	Logger       *slog.Logger  // default slog.Default()
}

// DefaultProcessorOptions returns sensible defaults.
func DefaultProcessorOptions() ProcessorOptions {
	return ProcessorOptions{
		PollInterval: DefaultPollInterval,
		Logger:       slog.Default(),
	}
}

// Processor serializes commands against a single shared transport. Commands
// run strictly one at a time in submission order; a command's subscription
// to inbound fragments is scoped to its own execution, so no command ever
// observes another command's response bytes.
//
// Submit never blocks; the submitted command doubles as the future the
// caller waits on. One command failing — by timeout, send error, or even a
// panic in its injected functions — never prevents the next command from
// running.
type Processor struct {
	tr   Transport
	opts ProcessorOptions

	mu       sync.Mutex
	queue    []Task
	draining bool
	started  bool
	stopped  bool
	disposed bool
	stopCh   chan struct{}
}

// NewProcessor creates a Processor bound to tr. The Processor does not drain
// until Start is called.
func NewProcessor(tr Transport, opts ProcessorOptions) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		tr:     tr,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic queue draining. Calling Start on a stopped or
// disposed Processor is a no-op; a Processor is not restartable.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	go p.loop()
}

// Stop halts further draining and releases the poll loop. The in-flight
// command, if any, runs to its own terminal resolution; commands still
// queued stay queued. Idempotent.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
}

// Dispose stops the Processor and cancels every command still queued so
// their waiters unblock. The in-flight command is not cancelled. Safe to
// call multiple times.
func (p *Processor) Dispose() {
	p.Stop()
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, t := range pending {
		t.Cancel()
	}
}

// Submit appends a command to the tail of the queue and returns immediately.
// The command itself is the future: Wait on it for the result. Valid at any
// time, including mid-drain; submitting to a disposed Processor cancels the
// command.
func (p *Processor) Submit(t Task) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		t.Cancel()
		return
	}
	p.queue = append(p.queue, t)
	p.mu.Unlock()
}

// Len returns the number of commands waiting in the queue.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Processor) loop() {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drain()
		}
	}
}

// drain empties the queue one command at a time. The draining flag keeps a
// second tick from starting a concurrent drain; this is the sole mutual
// exclusion over the shared transport.
func (p *Processor) drain() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.draining = false
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		if p.stopped || len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		// Cancelled while still queued: never bind it to the transport,
		// never invoke its send.
		if t.State() == StateCancelled {
			p.opts.Logger.Debug("[engine] skipping cancelled command")
			continue
		}
		p.run(t)
	}
}

// run executes one command and absorbs every failure mode it can produce.
// Queue liveness requires that nothing a command does terminates the drain.
func (p *Processor) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.opts.Logger.Error("[engine] command panicked", "panic", r)
			t.abort(fmt.Errorf("engine: command panic: %v", r))
		}
	}()
	if err := t.execute(p.tr); err != nil && !errors.Is(err, ErrCancelled) {
		p.opts.Logger.Warn("[engine] command failed", "error", err)
	}
}
