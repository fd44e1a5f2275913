package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the ISO-8601 form used on the wire (millisecond precision, UTC).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

type wireEvent struct {
	EventID    string          `json:"eventId"`
	Timestamp  string          `json:"timestamp,omitempty"`
	EventName  Name            `json:"eventName"`
	UserID     string          `json:"userId,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Source     Source          `json:"source,omitempty"`
	Properties json.RawMessage `json:"properties"`
	Context    *Context        `json:"context,omitempty"`
}

// MarshalJSON encodes the event in its camelCase wire shape.
func (e TrackingEvent) MarshalJSON() ([]byte, error) {
	if e.Properties == nil {
		return nil, invalid("properties are required")
	}

	var (
		props []byte
		err   error
	)
	if c, ok := e.Properties.(Custom); ok {
		props, err = json.Marshal(c.Fields())
	} else {
		props, err = json.Marshal(e.Properties)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal properties: %w", err)
	}

	w := wireEvent{
		EventID:    e.ID,
		EventName:  e.Name(),
		UserID:     e.UserID,
		SessionID:  e.SessionID,
		Source:     e.Source,
		Properties: props,
		Context:    e.Context,
	}
	if !e.Timestamp.IsZero() {
		w.Timestamp = e.Timestamp.UTC().Format(TimestampLayout)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape, choosing the properties variant by eventName.
// Names outside the fixed set decode into Custom.
func (e *TrackingEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.EventName == "" {
		return invalid("eventName is required")
	}

	props, err := decodeProperties(w.EventName, w.Properties)
	if err != nil {
		return err
	}

	var ts time.Time
	if w.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: timestamp: %v", ErrInvalidEvent, err)
		}
		ts = ts.UTC()
	}

	*e = TrackingEvent{
		ID:         w.EventID,
		Timestamp:  ts,
		UserID:     w.UserID,
		SessionID:  w.SessionID,
		Source:     w.Source,
		Context:    w.Context,
		Properties: props,
	}
	return nil
}

func decodeProperties(name Name, raw json.RawMessage) (Properties, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	var (
		props Properties
		err   error
	)
	switch name {
	case NamePageView:
		var p PageView
		err = json.Unmarshal(raw, &p)
		props = p
	case NameSymbolInteraction:
		var p SymbolInteraction
		err = json.Unmarshal(raw, &p)
		props = p
	case NameError:
		var p Exception
		err = json.Unmarshal(raw, &p)
		props = p
	case NamePerformance:
		var p Performance
		err = json.Unmarshal(raw, &p)
		props = p
	default:
		var values map[string]any
		err = json.Unmarshal(raw, &values)
		props = Custom{Name: name, Values: values}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s properties: %v", ErrInvalidEvent, name, err)
	}
	return props, nil
}
