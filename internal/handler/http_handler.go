package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/helicontrade/tracking/internal/event"
	"github.com/helicontrade/tracking/internal/tracking"
)

const maxBodyBytes = 1 << 20

// Tracker is the part of the tracking service the HTTP layer uses.
type Tracker interface {
	Track(ev event.TrackingEvent)
	Identify(ctx context.Context, userID string, traits map[string]any)
	Stats() tracking.Stats
}

// Limiter decides whether a client may send another request.
type Limiter interface {
	Allow(ctx context.Context, client string) bool
}

// ContextBuilder derives the client context of an event.
type ContextBuilder interface {
	Context(userAgent, clientIP, acceptLanguage string) event.Context
}

type HTTPHandler struct {
	tracker  Tracker
	limiter  Limiter
	enricher ContextBuilder
}

func NewHTTPHandler(t Tracker, l Limiter, e ContextBuilder) *HTTPHandler {
	return &HTTPHandler{
		tracker:  t,
		limiter:  l,
		enricher: e,
	}
}

// EventBatchRequest is the body of POST /v1/events. Batch level session and
// user ids apply to events that carry none.
type EventBatchRequest struct {
	SessionID string            `json:"sessionId"`
	UserID    string            `json:"userId"`
	Events    []json.RawMessage `json:"events"`
}

type EventResponse struct {
	Success       bool     `json:"success"`
	AcceptedCount int      `json:"acceptedCount"`
	RejectedCount int      `json:"rejectedCount"`
	Errors        []string `json:"errors,omitempty"`
}

type IdentifyRequest struct {
	UserID string         `json:"userId"`
	Traits map[string]any `json:"traits"`
}

// HandleEvents accepts a batch of browser events. Invalid events are rejected
// one by one; the rest are queued for delivery.
func (h *HTTPHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	// Rate limiting
	if h.limiter != nil && !h.limiter.Allow(r.Context(), clientIP) {
		writeJSON(w, http.StatusTooManyRequests, EventResponse{
			Success: false,
			Errors:  []string{"Rate limit exceeded"},
		})
		return
	}

	var req EventBatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, EventResponse{
			Success: false,
			Errors:  []string{"Invalid JSON"},
		})
		return
	}

	reqCtx := h.enricher.Context(r.UserAgent(), clientIP, r.Header.Get("Accept-Language"))

	accepted := 0
	rejected := 0
	var errs []string

	for i, raw := range req.Events {
		var ev event.TrackingEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			rejected++
			errs = append(errs, fmt.Sprintf("event %d: %v", i, err))
			continue
		}

		if ev.SessionID == "" {
			ev.SessionID = req.SessionID
		}
		if ev.UserID == "" {
			ev.UserID = req.UserID
		}
		if ev.Context == nil {
			c := reqCtx
			ev.Context = &c
		}
		ev = event.Complete(ev, event.SourceWeb)

		if err := ev.Validate(); err != nil {
			rejected++
			errs = append(errs, fmt.Sprintf("event %d: %v", i, err))
			continue
		}

		h.tracker.Track(ev)
		accepted++
	}

	if rejected > 0 {
		log.Debug().Int("accepted", accepted).Int("rejected", rejected).Str("client_ip", clientIP).Msg("Rejected browser events")
	}

	// Response
	writeJSON(w, http.StatusOK, EventResponse{
		Success:       rejected == 0,
		AcceptedCount: accepted,
		RejectedCount: rejected,
		Errors:        errs,
	})
}

func (h *HTTPHandler) HandleIdentify(w http.ResponseWriter, r *http.Request) {
	var req IdentifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "Invalid JSON"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "userId is required"})
		return
	}

	h.tracker.Identify(r.Context(), req.UserID, req.Traits)
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"tracking": h.tracker.Stats(),
	})
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Session-ID, X-User-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Session-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from RemoteAddr, which chi's RealIP has already
// replaced with the forwarded address when present.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
