package tcp

import (
	"github.com/pkg/errors"
)

// Errors surfaced to users of [Conn] and [Listener]. Returned errors may wrap
// these with additional context; match them with errors.Is.
var (
	// ErrConnectionRefused is returned when an active open is answered by RST or the peer is unreachable.
	ErrConnectionRefused = errors.New("tcp: connection refused")
	// ErrConnectionReset is returned after an acceptable RST arrives on a synchronized connection.
	ErrConnectionReset = errors.New("tcp: connection reset by peer")
	// ErrConnectionTimedOut is returned when the retransmission budget is exhausted.
	ErrConnectionTimedOut = errors.New("tcp: connection timed out")
	// ErrAborted is returned after a local forced close.
	ErrAborted = errors.New("tcp: connection aborted")
	// ErrBrokenPipe is returned when writing after the write side was shut down.
	ErrBrokenPipe = errors.New("tcp: broken pipe")
	// ErrWouldBlock is returned by non-blocking calls that can make no progress.
	ErrWouldBlock = errors.New("tcp: operation would block")
	// ErrInvalidState is returned for operations not valid in the current state.
	ErrInvalidState = errors.New("tcp: invalid state for operation")
	// ErrUnreachable is returned by a [Network] that has no route to the destination.
	ErrUnreachable = errors.New("tcp: destination unreachable")
)

// ErrorKind classifies errors returned by the engine.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindConnectionRefused
	KindConnectionReset
	KindConnectionTimedOut
	KindAborted
	KindBrokenPipe
	KindWouldBlock
	KindInvalidState
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnectionRefused:
		return "connection refused"
	case KindConnectionReset:
		return "connection reset"
	case KindConnectionTimedOut:
		return "connection timed out"
	case KindAborted:
		return "aborted"
	case KindBrokenPipe:
		return "broken pipe"
	case KindWouldBlock:
		return "would block"
	case KindInvalidState:
		return "invalid state"
	}
	return "other"
}

// KindOf returns the ErrorKind of err. A nil error is [KindNone].
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConnectionRefused):
		return KindConnectionRefused
	case errors.Is(err, ErrConnectionReset):
		return KindConnectionReset
	case errors.Is(err, ErrConnectionTimedOut):
		return KindConnectionTimedOut
	case errors.Is(err, ErrAborted):
		return KindAborted
	case errors.Is(err, ErrBrokenPipe):
		return KindBrokenPipe
	case errors.Is(err, ErrWouldBlock):
		return KindWouldBlock
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	}
	return KindOther
}
