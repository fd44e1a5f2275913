package event

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent is wrapped by every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, reason)
}

// Validate checks the common fields and the variant's required properties.
func (e TrackingEvent) Validate() error {
	if e.ID == "" {
		return invalid("eventId is required")
	}
	if e.Timestamp.IsZero() {
		return invalid("timestamp is required")
	}
	if !e.Source.valid() {
		return invalid(fmt.Sprintf("unknown source %q", e.Source))
	}
	if e.Properties == nil {
		return invalid("properties are required")
	}
	return e.Properties.validate()
}
