package exchange

import (
	"errors"
	"fmt"
)

// Sentinels for the fault taxonomy. Backends wrap every error they return in
// an *Error whose kind matches one of these through errors.Is.
var (
	// ErrTransient covers timeouts, rate limits and connectivity faults. Retried.
	ErrTransient = errors.New("transient exchange fault")
	// ErrFatalOrder covers invalid quantity or price, insufficient balance and
	// instrument rejections. Never retried.
	ErrFatalOrder = errors.New("fatal order fault")
	// ErrOrderNotFound is returned by order lookups for unknown client order ids.
	ErrOrderNotFound = errors.New("order not found")
	// ErrSimulationInvariant means the simulated ledger is inconsistent. It must
	// abort the process.
	ErrSimulationInvariant = errors.New("simulation invariant violated")
)

// Kind classifies an exchange error.
type Kind int

const (
	KindTransient Kind = iota + 1
	KindFatal
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the backend-agnostic error returned by every Exchange method.
type Error struct {
	Kind Kind
	Op   string
	Code int64 // exchange error code when known
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s fault (code %d): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s fault: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the taxonomy sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrFatalOrder:
		return e.Kind == KindFatal
	case ErrOrderNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Transient wraps err as a retryable fault.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Fatal wraps err as a non-retryable order fault.
func Fatal(op string, code int64, err error) error {
	return &Error{Kind: KindFatal, Op: op, Code: code, Err: err}
}

// NotFound reports an unknown order.
func NotFound(op, clientOrderID string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("client order id %s", clientOrderID)}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatal reports whether err must fail the order without retry.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalOrder)
}
