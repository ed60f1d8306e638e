package transport

import (
	"fmt"
	"sync"

	"github.com/okanda/wristlink/engine"
)

// Loopback is an in-memory engine.Transport. Payloads written by the engine
// are handed to a device-side handler; the handler (or anything else) pushes
// response fragments back with Inject. Used by the simulator and by tests
// that need a full transport rather than a mock.
type Loopback struct {
	mu      sync.Mutex
	handler func(payload []byte)
	subs    map[int]func([]byte)
	nextID  int
	closed  bool
}

// NewLoopback creates an open loopback with no device handler attached.
func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[int]func([]byte))}
}

// Handle installs the device-side payload handler. The handler runs on the
// writer's goroutine; respond asynchronously if the response should not
// happen-before Write returns.
func (l *Loopback) Handle(fn func(payload []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = fn
}

// Write delivers one payload to the device-side handler.
func (l *Loopback) Write(payload []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("transport: loopback closed")
	}
	fn := l.handler
	l.mu.Unlock()

	if fn == nil {
		return fmt.Errorf("transport: loopback has no device handler")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	fn(cp)
	return nil
}

// Subscribe registers fn for injected fragments and returns its cancel func.
func (l *Loopback) Subscribe(fn func(fragment []byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("transport: loopback closed")
	}
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}, nil
}

// Inject delivers one device-originated fragment to all current subscribers,
// without holding the loopback lock during delivery.
func (l *Loopback) Inject(fragment []byte) {
	l.mu.Lock()
	fns := make([]func([]byte), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(fragment)
	}
}

// Close rejects further writes and subscriptions.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

var _ engine.Transport = (*Loopback)(nil)
