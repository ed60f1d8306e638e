// Package transport provides engine.Transport implementations: a GATT
// adapter over an established BLE connection, and an in-memory loopback for
// tests and the simulator. Establishing the BLE connection itself (scanning,
// connecting, pairing) is out of scope; callers hand this package
// already-discovered characteristics.
package transport

import (
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/okanda/wristlink/engine"
)

// GATT adapts a write characteristic and a notify characteristic into an
// engine.Transport. Notifications are enabled once, on the first Subscribe,
// and fanned out to current subscribers; tinygo/bluetooth reuses the
// notification buffer between callbacks, which is why engine.Transport
// documents fragments as only valid for the duration of the callback.
type GATT struct {
	tx *bluetooth.DeviceCharacteristic // device-bound writes
	rx *bluetooth.DeviceCharacteristic // device-originated notifications

	mu      sync.Mutex
	subs    map[int]func([]byte)
	nextID  int
	enabled bool
}

// NewGATT wraps the characteristic pair. tx receives command payloads, rx
// delivers response fragments.
func NewGATT(tx, rx *bluetooth.DeviceCharacteristic) *GATT {
	return &GATT{tx: tx, rx: rx, subs: make(map[int]func([]byte))}
}

// Write transmits one payload on the tx characteristic.
func (g *GATT) Write(payload []byte) error {
	if _, err := g.tx.WriteWithoutResponse(payload); err != nil {
		return fmt.Errorf("transport: gatt write: %w", err)
	}
	return nil
}

// Subscribe registers fn for inbound fragments and returns its cancel func.
func (g *GATT) Subscribe(fn func(fragment []byte)) (func(), error) {
	g.mu.Lock()
	if !g.enabled {
		// EnableNotifications can only be called once per characteristic on
		// most platforms, so the fan-out layer owns the single callback.
		if err := g.rx.EnableNotifications(g.dispatch); err != nil {
			g.mu.Unlock()
			return nil, fmt.Errorf("transport: enable notifications: %w", err)
		}
		g.enabled = true
	}
	id := g.nextID
	g.nextID++
	g.subs[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.subs, id)
	}, nil
}

// dispatch fans one notification out to all current subscribers. The
// subscriber list is snapshotted first so callbacks run without the lock and
// may unsubscribe from within the handler.
func (g *GATT) dispatch(buf []byte) {
	g.mu.Lock()
	fns := make([]func([]byte), 0, len(g.subs))
	for _, fn := range g.subs {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn(buf)
	}
}

var _ engine.Transport = (*GATT)(nil)
