package db

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Kind classifies a database error the way callers are expected to branch
// on it (§7): by what went wrong, not by which internal component raised
// it.
type Kind int

const (
	KindInvalidArgument Kind = iota
	KindNotSupported
	KindCorruption
	KindIncomplete
	KindIOError
	KindBusy
	KindShutdownInProgress
	KindIOFenced
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotSupported:
		return "NotSupported"
	case KindCorruption:
		return "Corruption"
	case KindIncomplete:
		return "Incomplete"
	case KindIOError:
		return "IOError"
	case KindBusy:
		return "Busy"
	case KindShutdownInProgress:
		return "ShutdownInProgress"
	case KindIOFenced:
		return "IOFenced"
	default:
		return "Unknown"
	}
}

// Error is a kind-tagged database error. Wrapping preserves the original
// cause for errors.Is/errors.As while still letting callers branch on Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("boulder: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("boulder: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, db.ErrBusy) style sentinel checks against a Kind
// alone.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Err == nil && other.Msg == "" && e.Kind == other.Kind
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Sentinel Kind markers: compare with errors.Is(err, db.ErrBusy), etc. Each
// carries no message/cause of its own, matching the Is override above.
var (
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrNotSupported       = &Error{Kind: KindNotSupported}
	ErrCorruption         = &Error{Kind: KindCorruption}
	ErrIncomplete         = &Error{Kind: KindIncomplete}
	ErrIOError            = &Error{Kind: KindIOError}
	ErrBusy               = &Error{Kind: KindBusy}
	ErrShutdownInProgress = &Error{Kind: KindShutdownInProgress}
	ErrIOFenced           = &Error{Kind: KindIOFenced}

	ErrKeyNotFound = fmt.Errorf("boulder: key not found")
	ErrReadOnly    = fmt.Errorf("boulder: read only")
	ErrClosed      = fmt.Errorf("boulder: database closed")
)

// aggregate collects non-nil errors (Close's per-resource close failures)
// into a single error, using
// go-multierror so each constituent failure remains individually
// inspectable via errors.As.
func aggregate(errs ...error) error {
	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr == nil {
		return nil
	}
	return merr.ErrorOrNil()
}
