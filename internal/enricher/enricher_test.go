package enricher

import (
	"errors"
	"net"
	"testing"

	"github.com/oschwald/geoip2-golang"
	"github.com/stretchr/testify/assert"
)

const chromeDesktop = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type fakeGeo struct {
	record *geoip2.City
	err    error
	closed bool
}

func (f *fakeGeo) City(ip net.IP) (*geoip2.City, error) { return f.record, f.err }

func (f *fakeGeo) Close() error {
	f.closed = true
	return nil
}

func TestContextFromUserAgent(t *testing.T) {
	e := New("")
	c := e.Context(chromeDesktop, "203.0.113.9", "de-DE,de;q=0.9,en;q=0.8")

	assert.Equal(t, "Chrome", c.Browser)
	assert.Equal(t, "120.0.0.0", c.BrowserVersion)
	assert.Equal(t, "desktop", c.DeviceType)
	assert.Equal(t, "203.0.113.9", c.IP)
	assert.Equal(t, "de-DE", c.Locale)
	assert.Empty(t, c.Country)
}

func TestContextWithGeoIP(t *testing.T) {
	rec := &geoip2.City{}
	rec.Country.IsoCode = "DE"
	rec.City.Names = map[string]string{"en": "Berlin"}
	geo := &fakeGeo{record: rec}

	e := &Enricher{geoIP: geo}
	c := e.Context("", "203.0.113.9", "")
	assert.Equal(t, "DE", c.Country)
	assert.Equal(t, "Berlin", c.City)

	e.Close()
	assert.True(t, geo.closed)
}

func TestContextIgnoresGeoFailures(t *testing.T) {
	e := &Enricher{geoIP: &fakeGeo{err: errors.New("not found")}}

	c := e.Context("", "not-an-ip", "")
	assert.Empty(t, c.Country)

	c = e.Context("", "198.51.100.1", "")
	assert.Empty(t, c.Country)
}

func TestMissingDatabaseDisablesGeo(t *testing.T) {
	e := New("/nonexistent/GeoLite2-City.mmdb")
	assert.Nil(t, e.geoIP)
	e.Close()
}

func TestPrimaryLocale(t *testing.T) {
	assert.Equal(t, "en-US", primaryLocale("en-US,en;q=0.5"))
	assert.Equal(t, "fr", primaryLocale("fr;q=0.9"))
	assert.Empty(t, primaryLocale("*"))
	assert.Empty(t, primaryLocale(""))
}
