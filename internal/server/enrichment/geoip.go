package enrichment

import (
	"context"
	"fmt"
	"net"

	geoip2 "github.com/oschwald/geoip2-golang"
)

// MaxMindGeoProvider resolves IP geolocation from a local MaxMind
// GeoLite2-City database, avoiding a network round trip for the
// highest-volume enrichment lookup.
type MaxMindGeoProvider struct {
	db *geoip2.Reader
}

// OpenMaxMindGeoProvider opens the mmdb file at path. The reader is
// held open for the lifetime of the server process.
func OpenMaxMindGeoProvider(path string) (*MaxMindGeoProvider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMindGeoProvider{db: db}, nil
}

// Close releases the underlying mmdb file handle.
func (p *MaxMindGeoProvider) Close() error {
	return p.db.Close()
}

// Lookup implements GeoProvider.
func (p *MaxMindGeoProvider) Lookup(_ context.Context, ip string) (*GeoResult, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip %q", ip)
	}
	rec, err := p.db.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("geoip lookup %s: %w", ip, err)
	}
	country := rec.Country.IsoCode
	city := rec.City.Names["en"]
	return &GeoResult{
		Country: country,
		City:    city,
	}, nil
}

// NoopGeoProvider is used when no GeoIP database is configured; every
// lookup returns an empty result rather than an error so callers can
// still proceed and simply contribute zero to the geographic risk layer.
type NoopGeoProvider struct{}

// Lookup implements GeoProvider.
func (NoopGeoProvider) Lookup(_ context.Context, _ string) (*GeoResult, error) {
	return &GeoResult{}, nil
}
