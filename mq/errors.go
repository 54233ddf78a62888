package mq

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

var (
	// ErrNoMatch indicates a probe found no matching message. It is a normal
	// negative result and satisfies iox.IsWouldBlock.
	ErrNoMatch = fmt.Errorf("mq: no match: %w", iox.ErrWouldBlock)
	// ErrNoCompletion indicates a request has not completed yet. It satisfies
	// iox.IsWouldBlock.
	ErrNoCompletion = fmt.Errorf("mq: no completion: %w", iox.ErrWouldBlock)
	// ErrInvalidRequest indicates a nil, stale, or otherwise unusable request handle.
	ErrInvalidRequest = errors.New("mq: invalid request")
	// ErrCancelUnsupported indicates cancel was attempted on a send or a receive
	// that is no longer posted.
	ErrCancelUnsupported = errors.New("mq: request cannot be canceled")
	// ErrCanceled is the terminal status of a canceled receive.
	ErrCanceled = errors.New("mq: request canceled")
	// ErrResourceExhausted indicates request slots or staging memory ran out.
	ErrResourceExhausted = errors.New("mq: resources exhausted")
	// ErrUnknownOption indicates an unrecognized option key.
	ErrUnknownOption = errors.New("mq: unknown option")
	// ErrNoTransport indicates the engine has no transport bound.
	ErrNoTransport = errors.New("mq: no transport bound")
	// ErrClosed indicates the engine has been closed.
	ErrClosed = errors.New("mq: engine closed")
)

// TransportError carries a failure reported by the transport collaborator.
// It becomes the terminal status of the affected request and is never retried
// by the engine.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mq: transport %s: %v", e.Op, e.Err)
}

// Unwrap exposes the transport's error to errors.Is / errors.As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsNoProgress reports whether err is one of the non-failure control results
// (ErrNoMatch, ErrNoCompletion).
func IsNoProgress(err error) bool {
	return err != nil && iox.IsWouldBlock(err)
}

func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("mq: invariant violated: "+format, args...))
	}
}
