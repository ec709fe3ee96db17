package routing

import (
	"errors"
	"fmt"
)

// Routing signals and registration errors.
var (
	// ErrNoMatch means no registered pattern matched. It is a routing signal,
	// not a user-visible failure.
	ErrNoMatch = errors.New("no pattern matched")
	// ErrUnresolved means session context could not disambiguate the request.
	ErrUnresolved = errors.New("could not resolve from context")
	// ErrDuplicateCapability is returned when an intent or expert is already
	// registered and replace was not requested.
	ErrDuplicateCapability = errors.New("duplicate capability")
	// ErrNotFound is returned by lookups for unregistered intents or domains.
	ErrNotFound = errors.New("capability not found")
	// ErrTimedOut is the failure reason when a handler exceeds its budget.
	ErrTimedOut = errors.New("timed out")
	// ErrInvalidPattern is returned when a template or slot spec cannot be compiled.
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrInvalidCapability is returned for malformed handler or expert bindings.
	ErrInvalidCapability = errors.New("invalid capability")
)

// HandlerFailure wraps any failure of a single intent invocation. Reason is
// logged, never shown to users.
type HandlerFailure struct {
	Domain     string
	IntentName string
	Reason     error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler %s/%s failed: %v", e.Domain, e.IntentName, e.Reason)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Reason
}

// IsTimeout reports whether the failure was a budget overrun.
func (e *HandlerFailure) IsTimeout() bool {
	return errors.Is(e.Reason, ErrTimedOut)
}
