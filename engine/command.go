package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is the sliding timeout applied when a Spec leaves Timeout
// zero. The deadline is recomputed from every received fragment, so a device
// that keeps talking never times out regardless of total elapsed time.
const DefaultTimeout = 2 * time.Second

// State is a command's position in its lifecycle. Completed, Failed and
// Cancelled are terminal; once a command is terminal no further transition
// has any effect.
type State int32

const (
	StatePending State = iota
	StateExecuting
	StateCompleted
	StateFailed
	StateCancelled
)

// Terminal reports whether s is one of the three end states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Task is the queue's view of a command: everything except its typed result.
// Command[T] and Stream implement it; the execution machinery is not open
// for outside implementations.
type Task interface {
	// Cancel abandons the command. A no-op once the command is terminal.
	Cancel()
	// State returns the current lifecycle state.
	State() State
	// Done is closed when the command reaches a terminal state.
	Done() <-chan struct{}

	execute(tr Transport) error
	abort(err error)
}

// Spec supplies the three per-kind functions a command is built from. The
// state machine itself is shared; these are the only pieces a command kind
// provides.
type Spec[T any] struct {
	// Send transmits the request payload. Called exactly once, after the
	// command has subscribed to inbound fragments.
	Send func(tr Transport) error
	// Complete reports whether the accumulated fragments form a full
	// response. Evaluated after every fragment arrival. Must be pure.
	Complete func(buf Buffer) bool
	// Parse converts the accumulated fragments into the typed result. Only
	// called once Complete has returned true. Must be pure.
	Parse func(buf Buffer) (T, error)
	// Timeout is the sliding timeout; zero means DefaultTimeout.
	Timeout time.Duration
}

// Command is a single-result unit of work against the transport. It is its
// own future: Submit it to a Processor, then Wait for the result. A Command
// is single-use; create a new one to retry.
type Command[T any] struct {
	send     func(Transport) error
	complete func(buf Buffer, frag []byte) bool
	parse    func(buf Buffer) (T, error)
	timeout  time.Duration
	observe  func(frag []byte) // streaming hook
	retain   bool              // whether fragments accumulate in buf

	mu       sync.Mutex
	state    State
	buf      Buffer
	last     []byte
	timer    *time.Timer
	deadline time.Time
	unsub    func()
	done     chan struct{}

	result T
	err    error
}

// New builds a Command from its spec. All three functions are required;
// a nil one is a programming error and panics.
func New[T any](spec Spec[T]) *Command[T] {
	if spec.Send == nil || spec.Complete == nil || spec.Parse == nil {
		panic("engine: Spec requires Send, Complete and Parse")
	}
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTimeout
	}
	return &Command[T]{
		send:     spec.Send,
		complete: func(buf Buffer, _ []byte) bool { return spec.Complete(buf) },
		parse:    spec.Parse,
		timeout:  spec.Timeout,
		retain:   true,
		done:     make(chan struct{}),
	}
}

// Wait blocks until the command is terminal and returns its result. If ctx
// expires first the command is cancelled and Wait returns the outcome of
// that cancellation — which is the command's prior result if it had already
// settled, since cancellation never overrides a terminal state.
func (c *Command[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.Cancel()
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// Done is closed when the command reaches a terminal state.
func (c *Command[T]) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Command[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cancel abandons the command. Safe to call at any time from any goroutine;
// a no-op once the command is terminal.
func (c *Command[T]) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.releaseLocked()
	c.settleLocked(StateCancelled, ErrCancelled)
}

// execute runs the command to its terminal resolution: subscribe, arm the
// sliding timeout, send, then block until one of the three settlement paths
// wins. Invoked by the Processor with the transport bound for the duration.
func (c *Command[T]) execute(tr Transport) error {
	c.mu.Lock()
	if c.state != StatePending {
		err := c.err
		c.mu.Unlock()
		return err
	}
	unsub, err := tr.Subscribe(c.onFragment)
	if err != nil {
		err = fmt.Errorf("engine: subscribe: %w", err)
		c.settleLocked(StateFailed, err)
		c.mu.Unlock()
		return err
	}
	c.unsub = unsub
	c.state = StateExecuting
	c.deadline = time.Now().Add(c.timeout)
	c.timer = time.AfterFunc(c.timeout, c.onTimeout)
	c.mu.Unlock()

	if err := c.send(tr); err != nil {
		err = fmt.Errorf("engine: send: %w", err)
		c.mu.Lock()
		if c.state == StateExecuting {
			c.releaseLocked()
			c.settleLocked(StateFailed, err)
		}
		c.mu.Unlock()
	}

	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// abort settles the command as Failed if it is not already terminal. The
// Processor uses it to resolve a command whose injected function panicked,
// so the caller's Wait is never left hanging.
func (c *Command[T]) abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.releaseLocked()
	c.settleLocked(StateFailed, err)
}

// onFragment handles one inbound fragment: reset the sliding deadline,
// record the fragment, and settle Completed if the predicate is satisfied.
// Fragment arrival, timeout firing and cancellation all contend on c.mu, so
// exactly one of them performs the terminal transition.
func (c *Command[T]) onFragment(frag []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateExecuting {
		return
	}
	f := make([]byte, len(frag))
	copy(f, frag)
	c.last = f
	if c.retain {
		c.buf = append(c.buf, f)
	}
	c.deadline = time.Now().Add(c.timeout)
	c.timer.Reset(c.timeout)
	if c.observe != nil {
		c.observe(f)
	}
	if c.complete(c.buf, f) {
		c.finishLocked()
	}
}

// onTimeout fires when no fragment has arrived for the full timeout window.
func (c *Command[T]) onTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateExecuting {
		return
	}
	// A fragment may have moved the deadline between this fire being
	// scheduled and the lock being acquired; the deadline under the lock is
	// authoritative, so re-arm for the remainder instead of failing.
	if remaining := time.Until(c.deadline); remaining > 0 {
		c.timer.Reset(remaining)
		return
	}
	// A response completing at the same instant the timer fires settles as
	// Completed, not Failed: the predicate gets the last word.
	if c.complete(c.buf, c.last) {
		c.finishLocked()
		return
	}
	c.releaseLocked()
	c.settleLocked(StateFailed, &TimeoutError{Timeout: c.timeout, Buffer: c.buf.Clone()})
}

// finishLocked parses the accumulated response and settles the command.
func (c *Command[T]) finishLocked() {
	c.releaseLocked()
	res, err := c.parse(c.buf)
	if err != nil {
		c.settleLocked(StateFailed, fmt.Errorf("engine: parse: %w", err))
		return
	}
	c.result = res
	c.settleLocked(StateCompleted, nil)
}

// releaseLocked disarms the timeout and drops the fragment subscription.
// Runs on every exit path so the subscription can never outlive the command.
func (c *Command[T]) releaseLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}

// settleLocked performs the single terminal transition and resolves the
// future. Callers must have verified the command is not yet terminal.
func (c *Command[T]) settleLocked(s State, err error) {
	c.state = s
	c.err = err
	close(c.done)
}
