// Package enricher derives the client context of an event from request metadata.
package enricher

import (
	"net"
	"strings"

	"github.com/mssola/useragent"
	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"

	"github.com/helicontrade/tracking/internal/event"
)

type cityLookup interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

type Enricher struct {
	geoIP cityLookup
}

// New loads the GeoIP database at geoIPPath when set. A database that cannot
// be opened disables geo lookups.
func New(geoIPPath string) *Enricher {
	e := &Enricher{}
	if geoIPPath == "" {
		return e
	}

	reader, err := geoip2.Open(geoIPPath)
	if err != nil {
		log.Warn().Err(err).Str("path", geoIPPath).Msg("GeoIP database unavailable, geo enrichment disabled")
		return e
	}
	e.geoIP = reader
	return e
}

// Context builds the event context for a request.
func (e *Enricher) Context(userAgent, clientIP, acceptLanguage string) event.Context {
	c := event.Context{
		UserAgent: userAgent,
		IP:        clientIP,
		Locale:    primaryLocale(acceptLanguage),
	}

	// Parse user agent
	if userAgent != "" {
		ua := useragent.New(userAgent)
		c.Browser, c.BrowserVersion = ua.Browser()
		c.OS = ua.OS()
		c.DeviceType = deviceType(ua)
	}

	// GeoIP lookup
	if e.geoIP != nil && clientIP != "" {
		if ip := net.ParseIP(clientIP); ip != nil {
			record, err := e.geoIP.City(ip)
			if err == nil {
				c.Country = record.Country.IsoCode
				if name, ok := record.City.Names["en"]; ok {
					c.City = name
				}
			}
		}
	}

	return c
}

func deviceType(ua *useragent.UserAgent) string {
	if ua.Bot() {
		return "bot"
	}
	if ua.Mobile() {
		return "mobile"
	}
	return "desktop"
}

// primaryLocale returns the first tag of an Accept-Language header.
func primaryLocale(header string) string {
	first, _, _ := strings.Cut(header, ",")
	tag, _, _ := strings.Cut(first, ";")
	tag = strings.TrimSpace(tag)
	if tag == "*" {
		return ""
	}
	return tag
}

func (e *Enricher) Close() {
	if e.geoIP != nil {
		e.geoIP.Close()
	}
}
