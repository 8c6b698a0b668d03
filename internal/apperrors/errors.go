// Package apperrors defines the error taxonomy shared by the sync
// engine: each error carries a kind that drives the retry/abort/skip
// policy at the call site.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for policy decisions.
type Kind string

const (
	// KindTransient covers timeouts, 5xx and network failures; retried
	// at rate-limiter-mediated granularity.
	KindTransient Kind = "transient"
	// KindAuth covers 401/403 with a token present; aborts the run and
	// marks the connector NEEDS_REAUTH.
	KindAuth Kind = "auth"
	// KindCursorInvalid covers expired delta tokens and deleted scope
	// paths; clears the sync point so the next run falls back to a full
	// sync of that scope only.
	KindCursorInvalid Kind = "cursor_invalid"
	// KindNotFound covers a 404 on one entity mid-sync; skip and
	// continue.
	KindNotFound Kind = "not_found"
	// KindValidation covers malformed records from the source; skip.
	KindValidation Kind = "validation"
	// KindStore covers rejected store writes; bubbles up with no
	// checkpoint advance.
	KindStore Kind = "store"
	// KindInternal covers engine bugs; log with context, skip entity,
	// surface to health.
	KindInternal Kind = "internal"
)

// Error is a classified error with optional per-entity context.
type Error struct {
	Kind     Kind
	Message  string
	EntityID string
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.EntityID != "" {
		msg += " (entity " + e.EntityID + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithEntity attaches the source entity id the error relates to.
func (e *Error) WithEntity(id string) *Error {
	e.EntityID = id
	return e
}

// KindOf returns the kind of err, or KindInternal for unclassified
// errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller should retry after err.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// FromHTTPStatus classifies a source API status code. notFoundIsCursor
// is set by pattern implementations where a 404/409 means the stored
// cursor or scope path no longer exists rather than a missing entity.
func FromHTTPStatus(status int, message string, notFoundIsCursor bool) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return New(KindAuth, message)
	case status == http.StatusNotFound || status == http.StatusConflict:
		if notFoundIsCursor {
			return New(KindCursorInvalid, message)
		}
		return New(KindNotFound, message)
	case status == http.StatusTooManyRequests:
		return New(KindTransient, message)
	case status >= 500:
		return New(KindTransient, message)
	case status >= 400:
		return New(KindValidation, message)
	default:
		return New(KindInternal, message)
	}
}
