package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/event"
)

const (
	HeaderSessionID = "X-Session-ID"
	HeaderUserID    = "X-User-ID"

	sessionMaxAge = 30 * 60
)

type ctxKey struct{}

// SessionID returns the session id the middleware assigned to the request.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

var assetExtensions = map[string]bool{
	".js": true, ".css": true, ".map": true, ".png": true, ".jpg": true, ".jpeg": true,
	".gif": true, ".svg": true, ".ico": true, ".webp": true, ".avif": true,
	".woff": true, ".woff2": true, ".ttf": true, ".txt": true, ".xml": true,
}

// Middleware tracks a page_view for every page request, a response_time
// performance event after the response, and an error event for 5xx
// responses and panics. Panics are re-raised after tracking.
func Middleware(t Tracker, e ContextBuilder, cfg config.ServerConfig) func(http.Handler) http.Handler {
	cookieName := cfg.SessionCookie

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip(r.URL.Path, cfg.SkipPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			sessionID := r.Header.Get(HeaderSessionID)
			if sessionID == "" {
				if c, err := r.Cookie(cookieName); err == nil {
					sessionID = c.Value
				}
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     cookieName,
					Value:    sessionID,
					Path:     "/",
					MaxAge:   sessionMaxAge,
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}
			w.Header().Set(HeaderSessionID, sessionID)

			opts := []event.Option{
				event.WithSessionID(sessionID),
				event.WithUserID(r.Header.Get(HeaderUserID)),
				event.WithContext(e.Context(r.UserAgent(), clientIP(r), r.Header.Get("Accept-Language"))),
			}
			location := r.URL.Path

			t.Track(event.New(event.PageView{
				Path:     location,
				Referrer: r.Referer(),
				UTM:      utmFrom(r.URL.Query()),
			}, opts...))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				rec := recover()

				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if rec != nil {
					status = http.StatusInternalServerError
				}

				t.Track(event.New(event.Performance{
					Metric: "response_time",
					Value:  float64(time.Since(start).Microseconds()) / 1000,
					Unit:   event.UnitMilliseconds,
				}, opts...))

				switch {
				case rec != nil && rec != http.ErrAbortHandler:
					t.Track(event.New(event.Exception{
						ErrorType:  "panic",
						Message:    fmt.Sprint(rec),
						Stack:      string(debug.Stack()),
						StatusCode: &status,
						Location:   location,
					}, opts...))
				case rec == nil && status >= http.StatusInternalServerError:
					t.Track(event.New(event.Exception{
						ErrorType:  "http_error",
						Message:    http.StatusText(status),
						StatusCode: &status,
						Location:   location,
					}, opts...))
				}

				if rec != nil {
					panic(rec)
				}
			}()

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sessionID)))
		})
	}
}

func skip(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return assetExtensions[strings.ToLower(path.Ext(p))]
}

func utmFrom(q url.Values) *event.UTM {
	utm := &event.UTM{
		Source:   q.Get("utm_source"),
		Medium:   q.Get("utm_medium"),
		Campaign: q.Get("utm_campaign"),
		Term:     q.Get("utm_term"),
		Content:  q.Get("utm_content"),
	}
	if utm.Empty() {
		return nil
	}
	return utm
}
