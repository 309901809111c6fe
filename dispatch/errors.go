package dispatch

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-temserver/envelope"
)

var (
	// ErrUnknownOperation indicates an operation name that is not in the operation table.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrDuplicateOperation indicates an operation name registered twice.
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrReservedOperation indicates an operation name that collides with a session directive.
	ErrReservedOperation = errors.New("reserved operation name")

	// ErrInvalidOperation indicates an operation with an empty name or a nil handler.
	ErrInvalidOperation = errors.New("invalid operation")
)

var (
	// ErrDispatcherStopped indicates the dispatcher is no longer accepting or executing calls.
	ErrDispatcherStopped = errors.New("dispatcher stopped")

	// ErrAlreadyRunning indicates Run was called on a dispatcher that already ran.
	ErrAlreadyRunning = errors.New("dispatcher already running")

	// ErrInstrumentLost indicates the instrument handle is no longer usable.
	// Handlers wrap it to stop the dispatcher; there is no second owner to fail over to.
	ErrInstrumentLost = errors.New("instrument lost")
)

var (
	// ErrMissingArgument indicates a required argument was not supplied.
	ErrMissingArgument = errors.New("missing argument")

	// ErrInvalidArgument indicates an argument of the wrong type.
	ErrInvalidArgument = errors.New("invalid argument")
)

// OperationError is the failure of one submitted call.
type OperationError struct {
	Op   string
	Kind envelope.ErrorKind
	Err  error
}

func (e *OperationError) Error() string {
	if e.Kind == envelope.KindUnknownOperation {
		return fmt.Sprintf("unknown operation %q", e.Op)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// KindOf returns the envelope error kind for err.
func KindOf(err error) envelope.ErrorKind {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	if errors.Is(err, ErrDispatcherStopped) || errors.Is(err, ErrInstrumentLost) {
		return envelope.KindUnavailable
	}

	return envelope.KindOperationFailed
}

// withOp names the OperationError in err's chain after op. Handlers may return
// shared error values, so the named error is always a fresh value.
func withOp(err error, op string) error {
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Op != "" {
		return err
	}

	if err == error(opErr) {
		named := *opErr
		named.Op = op

		return &named
	}

	return &OperationError{Op: op, Kind: opErr.Kind, Err: err}
}
