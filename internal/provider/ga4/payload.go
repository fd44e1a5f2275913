package ga4

import (
	"maps"

	"github.com/helicontrade/tracking/internal/event"
)

type payload struct {
	ClientID        string                  `json:"client_id"`
	UserID          string                  `json:"user_id,omitempty"`
	TimestampMicros int64                   `json:"timestamp_micros"`
	UserProperties  map[string]userProperty `json:"user_properties,omitempty"`
	Events          []mpEvent               `json:"events"`
}

type mpEvent struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

type userProperty struct {
	Value any `json:"value"`
}

func buildPayload(ev event.TrackingEvent) payload {
	clientID := ev.SessionID
	if clientID == "" {
		clientID = anonymousClientID
	}

	name, params := mapEvent(ev.Properties)
	// Custom params go out verbatim; the session is still carried by client_id.
	if _, custom := ev.Properties.(event.Custom); !custom && ev.SessionID != "" {
		params["session_id"] = ev.SessionID
	}

	return payload{
		ClientID:        clientID,
		UserID:          ev.UserID,
		TimestampMicros: ev.Timestamp.UnixMicro(),
		Events:          []mpEvent{{Name: name, Params: params}},
	}
}

// mapEvent returns the GA4 event name and params for a properties variant.
func mapEvent(props event.Properties) (string, map[string]any) {
	params := map[string]any{}

	switch p := props.(type) {
	case event.PageView:
		params["page_location"] = p.Path
		put(params, "page_title", p.Title)
		put(params, "page_referrer", p.Referrer)
		if !p.UTM.Empty() {
			put(params, "campaign_source", p.UTM.Source)
			put(params, "campaign_medium", p.UTM.Medium)
			put(params, "campaign_name", p.UTM.Campaign)
			put(params, "campaign_term", p.UTM.Term)
			put(params, "campaign_content", p.UTM.Content)
		}
		return "page_view", params

	case event.SymbolInteraction:
		params["symbol"] = p.Symbol
		params["interaction_type"] = string(p.InteractionType)
		put(params, "search_query", p.SearchQuery)
		if p.ResultCount != nil {
			params["result_count"] = *p.ResultCount
		}
		if p.DurationMs != nil {
			params["duration_ms"] = *p.DurationMs
		}
		return "symbol_interaction", params

	case event.Exception:
		params["description"] = p.Message
		params["error_type"] = p.ErrorType
		params["fatal"] = p.StatusCode != nil && *p.StatusCode >= 500
		if p.StatusCode != nil {
			params["status_code"] = *p.StatusCode
		}
		put(params, "location", p.Location)
		return "exception", params

	case event.Performance:
		params["metric_name"] = p.Metric
		params["metric_value"] = p.Value
		params["metric_unit"] = string(p.Unit)
		put(params, "navigation_type", string(p.NavigationType))
		return "performance_metric", params

	case event.Custom:
		maps.Copy(params, p.Values)
		return string(p.Name), params
	}

	if props == nil {
		return "", params
	}
	maps.Copy(params, props.Fields())
	return string(props.EventName()), params
}

func put(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}
