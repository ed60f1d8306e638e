package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrCancelled resolves a command that was abandoned by its caller before
// reaching Completed or Failed.
var ErrCancelled = errors.New("engine: command cancelled")

// TimeoutError resolves a command whose sliding timeout expired before its
// completion predicate was satisfied. It carries the fragments received up
// to that point so callers can diagnose a truncated response.
type TimeoutError struct {
	Timeout time.Duration
	Buffer  Buffer
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("engine: no complete response within %v (%d fragments, %d bytes received)",
		e.Timeout, len(e.Buffer), len(e.Buffer.Bytes()))
}
