package broker

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds the broker surfaces to callers.
// HTTP handlers translate a Kind to a status code; nothing is swallowed
// silently (spec §7).
type Kind int

const (
	KindInvalidInput Kind = iota
	KindNotFound
	KindUnauthorized
	KindConflict
	KindStoreUnavailable
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindConflict:
		return "conflict"
	case KindStoreUnavailable:
		return "store_unavailable"
	default:
		return "internal"
	}
}

// Error is a typed broker error. Repository and Queue methods return these
// so handlers can translate deterministically to HTTP status codes.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Message: msg, Err: wrapped}
}

func InvalidInput(msg string) error       { return newErr(KindInvalidInput, msg, nil) }
func NotFound(msg string) error           { return newErr(KindNotFound, msg, nil) }
func Unauthorized(msg string) error       { return newErr(KindUnauthorized, msg, nil) }
func Conflict(msg string) error           { return newErr(KindConflict, msg, nil) }
func StoreUnavailable(msg string, err error) error {
	return newErr(KindStoreUnavailable, msg, err)
}
func Internal(msg string, err error) error { return newErr(KindInternal, msg, err) }

// KindOf extracts the Kind of err, defaulting to KindInternal for errors
// that did not originate from this package (e.g. unexpected panics recovered
// by a handler, or raw store driver errors that escaped wrapping).
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}
