package engine

import (
	"context"
	"log/slog"
	"time"
)

// StreamSpec supplies the per-kind functions for a streaming command: how to
// start the stream and how to recognize its end. Unlike Spec there is no
// parser; the values are the fragments themselves, delivered as they arrive.
type StreamSpec struct {
	// Send transmits the request that starts the stream.
	Send func(tr Transport) error
	// Complete reports whether frag is the end-of-stream marker. The marker
	// fragment is not forwarded to the frames channel. Must be pure.
	Complete func(frag []byte) bool
	// Timeout is the sliding inter-fragment timeout; zero means
	// DefaultTimeout.
	Timeout time.Duration
}

// Stream is the streaming command variant. Its future carries no payload:
// Wait returning nil means the stream ended normally. Ongoing values are
// pushed to a caller-owned channel instead.
//
// Streamed fragments are not buffered by the engine; an accelerometer can
// run for hours without growing a response buffer. If the caller's channel
// is full when a frame arrives, the frame is dropped with a warning rather
// than stalling fragment handling, so callers should size the channel for
// their consumption rate.
type Stream struct {
	cmd *Command[struct{}]
}

// NewStream builds a streaming command delivering raw frames to frames. The
// engine never closes frames; the caller owns it and learns about the end of
// the stream through Wait or Done.
func NewStream(spec StreamSpec, frames chan<- []byte) *Stream {
	if spec.Send == nil || spec.Complete == nil {
		panic("engine: StreamSpec requires Send and Complete")
	}
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTimeout
	}
	c := &Command[struct{}]{
		send: spec.Send,
		complete: func(_ Buffer, frag []byte) bool {
			return frag != nil && spec.Complete(frag)
		},
		parse:   func(Buffer) (struct{}, error) { return struct{}{}, nil },
		timeout: spec.Timeout,
		retain:  false,
		done:    make(chan struct{}),
	}
	c.observe = func(frag []byte) {
		if spec.Complete(frag) {
			return
		}
		select {
		case frames <- frag:
		default:
			slog.Warn("[engine] stream receiver not keeping up, dropping frame", "bytes", len(frag))
		}
	}
	return &Stream{cmd: c}
}

// Wait blocks until the stream ends and returns how: nil for a normal end,
// a TimeoutError if the device went quiet, ErrCancelled if abandoned. If ctx
// expires first the stream is cancelled.
func (s *Stream) Wait(ctx context.Context) error {
	_, err := s.cmd.Wait(ctx)
	return err
}

// Cancel abandons the stream. A no-op once terminal.
func (s *Stream) Cancel() { s.cmd.Cancel() }

// State returns the current lifecycle state.
func (s *Stream) State() State { return s.cmd.State() }

// Done is closed when the stream reaches a terminal state.
func (s *Stream) Done() <-chan struct{} { return s.cmd.Done() }

func (s *Stream) execute(tr Transport) error { return s.cmd.execute(tr) }
func (s *Stream) abort(err error)            { s.cmd.abort(err) }
