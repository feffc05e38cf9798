package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindForbidden           Kind = "forbidden"
	KindInvalidState        Kind = "invalid_state"
	KindValidation          Kind = "validation_failed"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindAlreadyPending      Kind = "already_pending"
	KindAlreadyClaimed      Kind = "already_claimed"
	KindExpired             Kind = "expired"
	KindTooEarly            Kind = "too_early"
	KindInternal            Kind = "internal_error"
)

// Error is the typed error surfaced by the engine and mapped by the HTTP layer.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, apperr.Conflict)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetail returns a copy of e carrying an extra detail key.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Sentinels for errors.Is comparisons.
var (
	NotFound            = &Error{Kind: KindNotFound}
	Conflict            = &Error{Kind: KindConflict}
	Forbidden           = &Error{Kind: KindForbidden}
	InvalidState        = &Error{Kind: KindInvalidState}
	Validation          = &Error{Kind: KindValidation}
	UpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	AlreadyPending      = &Error{Kind: KindAlreadyPending}
	AlreadyClaimed      = &Error{Kind: KindAlreadyClaimed}
	Expired             = &Error{Kind: KindExpired}
	TooEarly            = &Error{Kind: KindTooEarly}
)

// KindOf reports the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Retryable is true for transient contention and dependency failures only.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindUpstreamUnavailable:
		return true
	}
	return false
}
