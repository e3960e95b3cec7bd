package executor

import (
	"errors"

	"github.com/cuemby/hpcq/pkg/types"
)

// Kind enumerates the executor's failure taxonomy. It is the Go-side
// counterpart to types.ErrorKind: internally, a failure is carried as an
// error classifiable with errors.Is against the Err* sentinels below: only
// failAndSend and the terminal-event switch in Execute translate a Kind to
// the wire-level types.ErrorKind, at the one boundary where it has to become
// a string.
type Kind string

const (
	KindInvalidInput   Kind = "invalid_input"
	KindLaunchFailed   Kind = "launch_failed"
	KindTimeout        Kind = "timeout"
	KindNonZeroExit    Kind = "nonzero_exit"
	KindWorkerShutdown Kind = "worker_shutdown"
)

// kindError pairs a Kind with the underlying cause. Is compares by Kind
// alone, so a kindError re-wrapped with fmt.Errorf("...: %w", err) still
// matches its sentinel.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Is(target error) bool {
	t, ok := target.(*kindError)
	return ok && e.kind == t.kind
}

// newError classifies err as kind so callers can later match it with
// errors.Is against the sentinels below, while preserving err's own message
// for the wire ErrorDetail field.
func newError(kind Kind, err error) error {
	return &kindError{kind: kind, err: err}
}

// Sentinel errors for errors.Is-style classification of a failed Execute.
var (
	ErrInvalidInput   = &kindError{kind: KindInvalidInput, err: errors.New("invalid job input")}
	ErrLaunchFailed   = &kindError{kind: KindLaunchFailed, err: errors.New("launch failed")}
	ErrTimeout        = &kindError{kind: KindTimeout, err: errors.New("job exceeded timeout")}
	ErrNonZeroExit    = &kindError{kind: KindNonZeroExit, err: errors.New("process exited nonzero")}
	ErrWorkerShutdown = &kindError{kind: KindWorkerShutdown, err: errors.New("worker received shutdown signal")}
)

// resultErrorKind maps a classified error to the wire-level types.ErrorKind
// carried on a failed Result Event. err not produced by newError (including
// nil) maps to the empty Kind.
func resultErrorKind(err error) types.ErrorKind {
	var ke *kindError
	if !errors.As(err, &ke) {
		return ""
	}
	switch ke.kind {
	case KindInvalidInput:
		return types.ErrorKindInvalidInput
	case KindLaunchFailed:
		return types.ErrorKindLaunchFailed
	case KindTimeout:
		return types.ErrorKindTimeout
	case KindNonZeroExit:
		return types.ErrorKindNonZeroExit
	case KindWorkerShutdown:
		return types.ErrorKindWorkerShutdown
	default:
		return ""
	}
}
