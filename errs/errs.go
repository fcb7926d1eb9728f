// Package errs defines the error kinds named in spec.md §7 and the
// propagation rules attached to each: which ones are fatal, which surface as
// HTTP statuses, and which are purely internal dispatcher signals.
package errs

import "fmt"

// Kind identifies one of the error categories from spec.md §7.
type Kind string

const (
	// ConfigInvalid is fatal at startup.
	ConfigInvalid Kind = "config_invalid"
	// NameConflict is returned by Registry.Add for a duplicate backend name.
	NameConflict Kind = "name_conflict"
	// BackendBusy is returned by Registry.Remove when the backend still has
	// in-flight tasks or is not disabled.
	BackendBusy Kind = "backend_busy"
	// BackendNotFound is returned when a backend name does not resolve.
	BackendNotFound Kind = "backend_not_found"
	// QueueFull is returned by Task Store Create when queue.max_size is hit.
	QueueFull Kind = "queue_full"
	// NoCapacity is an internal Scheduler signal; it must never reach a
	// client or the admin API — the Dispatcher turns it into a wait.
	NoCapacity Kind = "no_capacity"
	// SubmitRejected marks a task terminally failed: the backend rejected
	// the prompt itself (4xx) and retrying would not help.
	SubmitRejected Kind = "submit_rejected"
	// SubmitUnavailable marks a retryable submit failure (network/5xx).
	SubmitUnavailable Kind = "submit_unavailable"
	// BackendLost marks a task re-queued or failed because its assigned
	// backend transitioned to unhealthy before the task reached a terminal
	// upstream event.
	BackendLost Kind = "backend_lost"
	// SubmitExhausted marks a task failed after max_retries submit attempts.
	SubmitExhausted Kind = "submit_exhausted"
	// InvalidTransition is a programming error: an illegal task state edge
	// was attempted. Logged at error level; the task is left untouched.
	InvalidTransition Kind = "invalid_transition"
	// SlowConsumer marks a downstream WebSocket closed for falling behind.
	SlowConsumer Kind = "slow_consumer"
	// NotFound is a generic lookup miss (task, prompt id, history entry).
	NotFound Kind = "not_found"
)

// Error wraps a Kind with a human-readable message and an optional cause.
// Handlers at the API edge switch on Kind to choose an HTTP status; callers
// deeper in the core compare Kind via errors.As/Is.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write `errors.Is(err, errs.New(errs.BackendBusy, ""))`-style checks, or
// more simply compare via errs.KindOf.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// reports ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if asErr, ok := err.(*Error); ok {
			e = asErr
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Kind, true
}
