// Package errs defines the typed errors returned by the reservation core.
// Every validation or conflict outcome is an *Error carrying a Kind so that
// HTTP handlers, the payment reconciler and the admin surface can decide
// what to tell the caller without string matching.  Infrastructure errors
// (database, broker) are not *Error values; they are wrapped with %w and
// bubble up untouched.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind string

const (
	KindOutOfWindow       Kind = "OUT_OF_WINDOW"
	KindTooManySlots      Kind = "TOO_MANY_SLOTS"
	KindBlocked           Kind = "BLOCKED"
	KindConflict          Kind = "CONFLICT"
	KindAlreadyResolved   Kind = "ALREADY_RESOLVED"
	KindExtendUnavailable Kind = "EXTEND_UNAVAILABLE"
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalid           Kind = "INVALID"
)

// Reason codes attached to KindExtendUnavailable errors.
const (
	ReasonNotConfirmed        = "not_confirmed"
	ReasonNotAdjacent         = "not_adjacent"
	ReasonNoSlot              = "no_slot"
	ReasonEntitlementExceeded = "entitlement_exceeded"
	ReasonBlocked             = "blocked"
	ReasonAlreadyBooked       = "already_booked"
)

// Error is a structured domain error.  Message is safe to show to an end
// user verbatim.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports whether target is an *Error of the same Kind.  This lets the
// sentinels below be used with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// Sentinels for errors.Is comparisons.
var (
	ErrOutOfWindow       = &Error{Kind: KindOutOfWindow}
	ErrTooManySlots      = &Error{Kind: KindTooManySlots}
	ErrBlocked           = &Error{Kind: KindBlocked}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrAlreadyResolved   = &Error{Kind: KindAlreadyResolved}
	ErrExtendUnavailable = &Error{Kind: KindExtendUnavailable}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalid           = &Error{Kind: KindInvalid}
)

// New returns an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ExtendUnavailable returns a KindExtendUnavailable error with a reason code.
func ExtendUnavailable(reason, format string, args ...any) *Error {
	return &Error{Kind: KindExtendUnavailable, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or "" when err is not (and does not wrap)
// an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As is a shorthand for errors.As into an *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
