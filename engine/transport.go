// Package engine implements the command execution core for talking to a
// wearable over a byte-oriented, framing-less notification channel. The
// transport delivers inbound data as opaque fragments with no delimiters;
// each command decides for itself, fragment by fragment, whether its
// response is complete, bounded by a sliding timeout. A Processor serializes
// commands against the shared transport, strictly one at a time, in
// submission order.
package engine

import "bytes"

// Transport is the byte channel the engine drives. It is typically backed by
// a pair of GATT characteristics (write + notify) but any send/notify pair
// works; see the transport package for implementations.
//
// Implementations must not hold internal locks while invoking subscriber
// callbacks, and the returned cancel func must be safe to call from within a
// callback. Fragments passed to callbacks may reference a reused buffer; the
// engine copies them before retaining.
type Transport interface {
	// Write transmits one payload to the device. Completion of the write is
	// independent of any response delivery.
	Write(payload []byte) error
	// Subscribe registers a callback for inbound fragments. It returns a
	// cancel func that removes the registration.
	Subscribe(fn func(fragment []byte)) (cancel func(), err error)
}

// Buffer is the ordered sequence of fragments a command has received so far.
// Completion predicates and parsers operate on it.
type Buffer [][]byte

// Bytes returns all fragments concatenated in arrival order.
func (b Buffer) Bytes() []byte {
	return bytes.Join(b, nil)
}

// Clone returns a shallow copy of the fragment sequence. The fragments
// themselves are never mutated after arrival, so sharing them is safe.
func (b Buffer) Clone() Buffer {
	out := make(Buffer, len(b))
	copy(out, b)
	return out
}
