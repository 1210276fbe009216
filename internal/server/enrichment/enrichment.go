package enrichment

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sshguardian/core/internal/store"
)

// TTLPolicy holds the per-signal cache lifetimes: a fast AbuseIPDB
// refresh (rate-limit sensitive), a slow VirusTotal refresh (expensive,
// slow-changing), an essentially-static GeoIP refresh, and a short TTL
// for negative/failed results so a clean or unreachable IP doesn't get
// re-queried on every event either.
type TTLPolicy struct {
	AbuseIPDB time.Duration
	VirusTotal time.Duration
	GeoIP     time.Duration
	Negative  time.Duration
}

// DefaultTTLPolicy returns the compiled-in default TTLs.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		AbuseIPDB:  5 * time.Minute,
		VirusTotal: time.Hour,
		GeoIP:      24 * time.Hour,
		Negative:   time.Hour,
	}
}

// Enricher resolves geolocation and reputation data for an IP, caching
// results in the store with a TTL so repeated auth events from the same
// attacker never re-trigger an external lookup.
type Enricher struct {
	store       *store.Store
	geo         GeoProvider
	reputations []ReputationProvider
	limiter     *Limiter
	ttls        TTLPolicy
	highRisk    func(country string) bool
}

// NewEnricher builds an Enricher. highRiskCountry classifies a country
// code as high-risk for the geographic scoring layer; reputations are
// consulted in order and merged (a later provider's non-zero values
// overwrite earlier ones; boolean flags are OR-ed).
func NewEnricher(st *store.Store, geo GeoProvider, reputations []ReputationProvider, limiter *Limiter, ttls TTLPolicy, highRiskCountry func(string) bool) *Enricher {
	return &Enricher{
		store:       st,
		geo:         geo,
		reputations: reputations,
		limiter:     limiter,
		ttls:        ttls,
		highRisk:    highRiskCountry,
	}
}

// Resolve returns the cached enrichment row for ip if fresh, otherwise
// performs (rate-limited, deduplicated) external lookups and persists
// the merged result before returning it. Private/loopback addresses
// never leave the process: they resolve to a synthetic clean result
// without ever reaching an external provider.
func (e *Enricher) Resolve(ctx context.Context, ip string) (*store.IPGeo, error) {
	if isPrivateOrLoopback(ip) {
		return &store.IPGeo{IPAddress: ip, ThreatLevel: store.ThreatClean, UpdatedAt: time.Now().UTC()}, nil
	}

	cached, err := e.store.GetIPGeo(ip)
	if err != nil {
		return nil, fmt.Errorf("read ip_geo cache for %s: %w", ip, err)
	}
	now := time.Now().UTC()
	if cached != nil && !cached.Expired(now) {
		return cached, nil
	}

	v, err := e.limiter.Do(ctx, "enrichment", ip, func() (interface{}, error) {
		return e.lookup(ctx, ip)
	})
	if err != nil {
		// External failures yield a negative cache entry with the short
		// TTL rather than propagating the error — enrichment is
		// best-effort.
		neg := &store.IPGeo{IPAddress: ip, ThreatLevel: store.ThreatUnknown}
		neg.CreatedAt = now
		neg.ExpiresAt = now.Add(e.ttls.Negative)
		if cached != nil {
			neg.CreatedAt = cached.CreatedAt
		}
		_ = e.store.PutIPGeo(neg)
		if cached != nil {
			return cached, nil
		}
		return neg, nil
	}
	g := v.(*store.IPGeo)
	g.CreatedAt = now
	if cached != nil {
		g.CreatedAt = cached.CreatedAt
	}
	g.ExpiresAt = now.Add(e.shortestApplicableTTL(g))
	if err := e.store.PutIPGeo(g); err != nil {
		return nil, fmt.Errorf("persist ip_geo for %s: %w", ip, err)
	}
	return g, nil
}

// shortestApplicableTTL picks the fastest-expiring signal actually
// present in g, so a row carrying an AbuseIPDB score refreshes every 5
// minutes even though its GeoIP fields are good for 24 hours.
func (e *Enricher) shortestApplicableTTL(g *store.IPGeo) time.Duration {
	if g.AbuseIPDBScore > 0 || g.AbuseIPDBReports > 0 {
		return e.ttls.AbuseIPDB
	}
	if g.VirusTotalTotal > 0 {
		return e.ttls.VirusTotal
	}
	if g.Country != "" {
		return e.ttls.GeoIP
	}
	return e.ttls.Negative
}

func isPrivateOrLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast()
}

func (e *Enricher) lookup(ctx context.Context, ip string) (*store.IPGeo, error) {
	g := &store.IPGeo{IPAddress: ip}

	if e.geo != nil {
		geoRes, err := e.geo.Lookup(ctx, ip)
		if err == nil && geoRes != nil {
			g.Country = geoRes.Country
			g.City = geoRes.City
			g.ASN = geoRes.ASN
			g.ISP = geoRes.ISP
			g.IsDatacenter = geoRes.IsDatacenter
		}
	}

	for _, rp := range e.reputations {
		res, err := rp.Lookup(ctx, ip)
		if err != nil || res == nil {
			continue
		}
		if res.AbuseScore > 0 {
			g.AbuseIPDBScore = res.AbuseScore
		}
		if res.AbuseReports > 0 {
			g.AbuseIPDBReports = res.AbuseReports
		}
		if res.VTPositives > 0 {
			g.VirusTotalPositives = res.VTPositives
		}
		if res.VTTotal > 0 {
			g.VirusTotalTotal = res.VTTotal
		}
		g.IsProxy = g.IsProxy || res.IsProxy
		g.IsVPN = g.IsVPN || res.IsVPN
		g.IsTor = g.IsTor || res.IsTor
	}

	g.ThreatLevel = classifyThreat(g, e.highRisk)
	return g, nil
}

// classifyThreat derives a coarse threat band from the merged signals,
// used as a quick display label; the actual risk score comes from the
// weighted composite in the scoring package.
func classifyThreat(g *store.IPGeo, highRisk func(string) bool) store.ThreatLevel {
	switch {
	case g.AbuseIPDBScore >= 90 || (g.VirusTotalTotal > 0 && g.VirusTotalPositives*3 >= g.VirusTotalTotal):
		return store.ThreatCritical
	case g.AbuseIPDBScore >= 50 || g.IsTor:
		return store.ThreatHigh
	case g.AbuseIPDBScore >= 20 || g.IsProxy || g.IsVPN || (highRisk != nil && highRisk(g.Country)):
		return store.ThreatMedium
	case g.AbuseIPDBScore > 0:
		return store.ThreatLow
	case g.Country != "":
		return store.ThreatClean
	default:
		return store.ThreatUnknown
	}
}
