package event

import (
	"fmt"
	"maps"
)

// InteractionType is the kind of symbol interaction.
type InteractionType string

const (
	InteractionSearch  InteractionType = "search"
	InteractionView    InteractionType = "view"
	InteractionSelect  InteractionType = "select"
	InteractionAnalyze InteractionType = "analyze"
)

// Unit is the unit of a performance value.
type Unit string

const (
	UnitMilliseconds Unit = "ms"
	UnitBytes        Unit = "bytes"
	UnitCount        Unit = "count"
)

// NavigationType mirrors the browser navigation timing type.
type NavigationType string

const (
	NavigationNavigate    NavigationType = "navigate"
	NavigationReload      NavigationType = "reload"
	NavigationBackForward NavigationType = "back_forward"
	NavigationPrerender   NavigationType = "prerender"
)

// UTM holds campaign parameters taken from utm_* query values.
type UTM struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Term     string `json:"term,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Empty reports whether no campaign value is set.
func (u *UTM) Empty() bool {
	return u == nil || *u == UTM{}
}

// PageView is the payload of a page_view event.
type PageView struct {
	Path     string `json:"path"`
	Title    string `json:"title,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	UTM      *UTM   `json:"utm,omitempty"`
}

func (PageView) EventName() Name { return NamePageView }

func (p PageView) Fields() map[string]any {
	f := map[string]any{"path": p.Path}
	setString(f, "title", p.Title)
	setString(f, "referrer", p.Referrer)
	if !p.UTM.Empty() {
		utm := map[string]any{}
		setString(utm, "source", p.UTM.Source)
		setString(utm, "medium", p.UTM.Medium)
		setString(utm, "campaign", p.UTM.Campaign)
		setString(utm, "term", p.UTM.Term)
		setString(utm, "content", p.UTM.Content)
		f["utm"] = utm
	}
	return f
}

func (p PageView) validate() error {
	if p.Path == "" {
		return invalid("path is required")
	}
	return nil
}

// SymbolInteraction is the payload of a symbol_interaction event.
type SymbolInteraction struct {
	Symbol          string          `json:"symbol"`
	InteractionType InteractionType `json:"interactionType"`
	SearchQuery     string          `json:"searchQuery,omitempty"`
	ResultCount     *int            `json:"resultCount,omitempty"`
	DurationMs      *int            `json:"durationMs,omitempty"`
}

func (SymbolInteraction) EventName() Name { return NameSymbolInteraction }

func (s SymbolInteraction) Fields() map[string]any {
	f := map[string]any{
		"symbol":          s.Symbol,
		"interactionType": string(s.InteractionType),
	}
	setString(f, "searchQuery", s.SearchQuery)
	setInt(f, "resultCount", s.ResultCount)
	setInt(f, "durationMs", s.DurationMs)
	return f
}

func (s SymbolInteraction) validate() error {
	if s.Symbol == "" {
		return invalid("symbol is required")
	}
	switch s.InteractionType {
	case InteractionSearch, InteractionView, InteractionSelect, InteractionAnalyze:
	default:
		return invalid(fmt.Sprintf("unknown interactionType %q", s.InteractionType))
	}
	return nil
}

// Exception is the payload of an error event.
type Exception struct {
	ErrorType  string `json:"errorType"`
	Message    string `json:"message"`
	Stack      string `json:"stack,omitempty"`
	StatusCode *int   `json:"statusCode,omitempty"`
	Location   string `json:"location,omitempty"`
}

func (Exception) EventName() Name { return NameError }

func (x Exception) Fields() map[string]any {
	f := map[string]any{
		"errorType": x.ErrorType,
		"message":   x.Message,
	}
	setString(f, "stack", x.Stack)
	setInt(f, "statusCode", x.StatusCode)
	setString(f, "location", x.Location)
	return f
}

func (x Exception) validate() error {
	if x.ErrorType == "" {
		return invalid("errorType is required")
	}
	if x.Message == "" {
		return invalid("message is required")
	}
	return nil
}

// Performance is the payload of a performance event.
type Performance struct {
	Metric         string         `json:"metric"`
	Value          float64        `json:"value"`
	Unit           Unit           `json:"unit"`
	NavigationType NavigationType `json:"navigationType,omitempty"`
}

func (Performance) EventName() Name { return NamePerformance }

func (p Performance) Fields() map[string]any {
	f := map[string]any{
		"metric": p.Metric,
		"value":  p.Value,
		"unit":   string(p.Unit),
	}
	setString(f, "navigationType", string(p.NavigationType))
	return f
}

func (p Performance) validate() error {
	if p.Metric == "" {
		return invalid("metric is required")
	}
	switch p.Unit {
	case UnitMilliseconds, UnitBytes, UnitCount:
	default:
		return invalid(fmt.Sprintf("unknown unit %q", p.Unit))
	}
	switch p.NavigationType {
	case "", NavigationNavigate, NavigationReload, NavigationBackForward, NavigationPrerender:
	default:
		return invalid(fmt.Sprintf("unknown navigationType %q", p.NavigationType))
	}
	return nil
}

// Custom carries any event name outside the fixed set. Providers pass its
// fields through unchanged.
type Custom struct {
	Name   Name
	Values map[string]any
}

func (c Custom) EventName() Name { return c.Name }

func (c Custom) Fields() map[string]any {
	if c.Values == nil {
		return map[string]any{}
	}
	return maps.Clone(c.Values)
}

func (c Custom) validate() error {
	if c.Name == "" {
		return invalid("eventName is required")
	}
	if c.Name.Known() {
		return invalid(fmt.Sprintf("%s must use its typed properties", c.Name))
	}
	return nil
}

func setString(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func setInt(m map[string]any, key string, v *int) {
	if v != nil {
		m[key] = *v
	}
}
