package subscriptions

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a subscription id does not exist.
var ErrNotFound = errors.New("subscription not found")

// ErrEndpointChanged is returned when a write targets an endpoint that the
// subscription no longer holds, e.g. after the device re-registered.
var ErrEndpointChanged = errors.New("subscription endpoint changed")

// ValidationError describes a malformed registration.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}
