// Package runerrors defines the stable error taxonomy that crosses the
// orchestrator boundary. Every error surfaced by the run orchestrator, the
// stream broker, or the interrupt controller is one of these kinds;
// collaborator-specific errors (engine, stores, transports) are translated
// before they reach callers. The API layer maps kinds to HTTP status codes
// and clients branch on the kind tag, never on message text.
package runerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the protocol taxonomy. Kinds are stable wire
// values; do not rename them.
type Kind string

const (
	// KindValidation indicates malformed or semantically invalid input.
	// Mapped to 422. Not retryable.
	KindValidation Kind = "validation_error"
	// KindAuthentication indicates the caller could not be identified.
	// Mapped to 401. No state change occurred.
	KindAuthentication Kind = "authentication_error"
	// KindAuthorization indicates the caller is identified but not allowed.
	// Mapped to 403. No state change occurred.
	KindAuthorization Kind = "authorization_error"
	// KindNotFound indicates the resource does not exist or is outside the
	// caller's visibility scope. Mapped to 404.
	KindNotFound Kind = "not_found"
	// KindInvalidState indicates the operation is illegal for the run's
	// current status (for example resuming a run that is not interrupted).
	// Mapped to 409; clients should re-fetch the run snapshot.
	KindInvalidState Kind = "invalid_state"
	// KindConflict indicates a uniqueness or referential constraint was
	// violated (duplicate assistant, thread delete with active runs).
	// Mapped to 409.
	KindConflict Kind = "conflict"
	// KindStreamGap indicates the requested resume offset has been evicted
	// from the retention window. Clients must fall back to fetching the run
	// snapshot instead of resuming the stream. Mapped to 410.
	KindStreamGap Kind = "stream_gap"
	// KindExecution indicates an engine-reported terminal failure. The run
	// is recorded failed and the error is not retried automatically.
	KindExecution Kind = "execution_error"
	// KindTransientEngine indicates a recoverable mid-stream engine hiccup.
	// Logged by the orchestrator; does not fail the run and never reaches
	// the API layer as a terminal error.
	KindTransientEngine Kind = "transient_engine_error"
	// KindInternal indicates an unexpected server-side failure. Mapped to 500.
	KindInternal Kind = "internal_error"
)

// Error is a structured error carrying a taxonomy kind and a human-readable
// message. It supports errors.Is/As through Unwrap so callers can both match
// on the kind and inspect wrapped collaborator errors.
type Error struct {
	// Kind is the stable taxonomy tag.
	Kind Kind
	// Message is the human-readable summary surfaced to clients.
	Message string
	// Err is the wrapped underlying error, if any. It is for logs and
	// diagnostics only and is never serialized to clients.
	Err error
}

// New constructs an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that retains the underlying cause. The message is
// the client-facing summary; the cause is available via Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors by kind: two *Error values are equivalent when their
// kinds match, so sentinel-style checks like errors.Is(err,
// runerrors.New(runerrors.KindNotFound, "")) work without comparing messages.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e != nil && te != nil && e.Kind == te.Kind
}

// KindOf extracts the taxonomy kind from err. Errors outside the taxonomy
// report KindInternal so unexpected failures never leak collaborator detail.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// NotFound is shorthand for a KindNotFound error naming the resource.
func NotFound(resource, id string) *Error {
	return New(KindNotFound, "%s %q not found", resource, id)
}

// InvalidState is shorthand for a KindInvalidState error describing the
// rejected transition.
func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

// Validation is shorthand for a KindValidation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}
