package posthog

import (
	ph "github.com/posthog/posthog-go"

	"github.com/helicontrade/tracking/internal/event"
)

const anonymousID = "anonymous"

func distinctID(ev event.TrackingEvent) string {
	switch {
	case ev.UserID != "":
		return ev.UserID
	case ev.SessionID != "":
		return ev.SessionID
	}
	return anonymousID
}

func buildCapture(ev event.TrackingEvent) ph.Capture {
	name, props := mapEvent(ev.Properties)

	if ev.SessionID != "" {
		props.Set("$session_id", ev.SessionID)
	}
	if ev.Source != "" {
		props.Set("source", string(ev.Source))
	}
	if c := ev.Context; c != nil {
		set(props, "$browser", c.Browser)
		set(props, "$browser_version", c.BrowserVersion)
		set(props, "$os", c.OS)
		set(props, "$device_type", c.DeviceType)
		set(props, "$ip", c.IP)
		set(props, "$geoip_country_code", c.Country)
		set(props, "$geoip_city_name", c.City)
		set(props, "$locale", c.Locale)
	}

	return ph.Capture{
		DistinctId: distinctID(ev),
		Event:      name,
		Timestamp:  ev.Timestamp,
		Properties: props,
	}
}

// mapEvent returns the PostHog event name and properties for a variant.
func mapEvent(p event.Properties) (string, ph.Properties) {
	props := ph.NewProperties()

	switch v := p.(type) {
	case event.PageView:
		props.Set("$current_url", v.Path)
		set(props, "$referrer", v.Referrer)
		set(props, "title", v.Title)
		if !v.UTM.Empty() {
			set(props, "utm_source", v.UTM.Source)
			set(props, "utm_medium", v.UTM.Medium)
			set(props, "utm_campaign", v.UTM.Campaign)
			set(props, "utm_term", v.UTM.Term)
			set(props, "utm_content", v.UTM.Content)
		}
		return "$pageview", props

	case event.Exception:
		props.Set("$exception_message", v.Message)
		props.Set("$exception_type", v.ErrorType)
		set(props, "$exception_stack_trace", v.Stack)
		if v.StatusCode != nil {
			props.Set("status_code", *v.StatusCode)
		}
		set(props, "location", v.Location)
		return "$exception", props

	case event.SymbolInteraction:
		props.Set("symbol", v.Symbol)
		props.Set("interaction_type", string(v.InteractionType))
		set(props, "search_query", v.SearchQuery)
		if v.ResultCount != nil {
			props.Set("result_count", *v.ResultCount)
		}
		if v.DurationMs != nil {
			props.Set("duration_ms", *v.DurationMs)
		}
		return "Symbol Interaction", props

	case event.Performance:
		props.Set("metric", v.Metric)
		props.Set("value", v.Value)
		props.Set("unit", string(v.Unit))
		set(props, "navigation_type", string(v.NavigationType))
		return "Performance Metric", props
	}

	if p == nil {
		return "", props
	}
	for k, val := range p.Fields() {
		props.Set(k, val)
	}
	return string(p.EventName()), props
}

func set(props ph.Properties, key, v string) {
	if v != "" {
		props.Set(key, v)
	}
}
