// Package features computes the frozen feature vector consumed by the
// scoring package's rule, anomaly, reputation, and geographic layers.
// The vector is snapshotted onto the scored event so a future
// retraining run replays the exact inputs that produced a given score.
package features

import (
	"math"
	"time"

	"github.com/sshguardian/core/internal/store"
)

// typicalLoginWindow bounds how far back a username's login history is
// searched to establish its typical countries for the new-country
// feature.
const typicalLoginWindow = 90 * 24 * time.Hour

// Vector is the frozen feature contract. Field names are the contract:
// a retrained anomaly model must consume exactly these fields in this
// shape, which is why every field is explicit rather than a generic map.
type Vector struct {
	// Temporal
	Hour           int     `json:"hour"`
	DayOfWeek      int     `json:"day_of_week"`
	IsBusinessHours bool   `json:"is_business_hours"`
	IsWeekend      bool    `json:"is_weekend"`
	HourSin        float64 `json:"hour_sin"`
	HourCos        float64 `json:"hour_cos"`

	// Behavioral (windowed over this source IP)
	AttemptsPerMinute     float64 `json:"attempts_per_minute"`
	UniqueUsernamesHour   int     `json:"unique_usernames_hour"`
	UniqueTargetsHour     int     `json:"unique_targets_hour"`
	FailureRate24h        float64 `json:"failure_rate_24h"`
	ConsecutiveFailures   int     `json:"consecutive_failures"`
	SecondsSinceLastAttempt float64 `json:"seconds_since_last_attempt"`
	IsFirstSighting       bool    `json:"is_first_sighting"`
	AttemptsLastHour      int     `json:"attempts_last_hour"`
	LifetimeSuccessRate   float64 `json:"lifetime_success_rate"`

	// Geographic
	CountryRiskScore     float64 `json:"country_risk_score"`
	IsHighRiskCountry    bool    `json:"is_high_risk_country"`
	KmFromTypicalLogin   float64 `json:"km_from_typical_login"`
	IsNewCountry         bool    `json:"is_new_country"`
	TimezoneDeviationHrs float64 `json:"timezone_deviation_hours"`

	// Network
	IsProxyVPNOrTor bool    `json:"is_proxy_vpn_or_tor"`
	IsDatacenter    bool    `json:"is_datacenter"`
	ASNRiskScore    float64 `json:"asn_risk_score"`
}

// Extractor computes feature vectors from the durable store's windowed
// history plus the enrichment row for an event's source IP.
type Extractor struct {
	store        *store.Store
	highRisk     func(country string) bool
	businessStart int // inclusive hour, local to the event's recorded time (UTC)
	businessEnd   int // exclusive hour
}

// NewExtractor builds an Extractor. highRiskCountry classifies a
// country code as high-risk for the geographic layer.
func NewExtractor(st *store.Store, highRiskCountry func(string) bool) *Extractor {
	return &Extractor{store: st, highRisk: highRiskCountry, businessStart: 9, businessEnd: 18}
}

// Extract computes the feature vector for a newly classified event,
// given its already-resolved enrichment row and the prior events for
// its source IP (chronologically ordered, not including the event
// itself). Exported in this shape so it is directly testable without a
// store fixture.
func (x *Extractor) Extract(e *store.AuthEvent, geo *store.IPGeo, history []*store.AuthEvent) Vector {
	v := Vector{}
	x.fillTemporal(&v, e.Timestamp)
	x.fillBehavioral(&v, e, history)
	x.fillGeographic(&v, geo)
	x.fillNetwork(&v, geo)
	return v
}

// ExtractForIP loads the windowed history for e.SourceIP from the
// store (everything up to 24h before e.Timestamp) and delegates to
// Extract. This is what the scoring pipeline calls; Extract itself
// stays store-free for unit testing.
func (x *Extractor) ExtractForIP(e *store.AuthEvent, geo *store.IPGeo) (Vector, error) {
	history, err := x.store.ListEventsForIPSince(store.EventWindowQuery{
		SourceIP: e.SourceIP,
		Since:    e.Timestamp.UTC().Add(-24 * time.Hour),
	})
	if err != nil {
		return Vector{}, err
	}
	filtered := history[:0:0]
	for _, h := range history {
		if h.EventUUID != e.EventUUID {
			filtered = append(filtered, h)
		}
	}
	v := x.Extract(e, geo, filtered)
	if geo != nil && geo.Country != "" && e.TargetUsername != "" {
		isNew, err := x.isNewCountry(e, geo.Country)
		if err != nil {
			return Vector{}, err
		}
		v.IsNewCountry = isNew
	}
	return v, nil
}

// isNewCountry reports whether country has never been seen for e's
// target username in any of its prior logins, across all source IPs,
// over the trailing typicalLoginWindow. A username with no prior
// history at all is not considered new-country — there is no typical
// country yet to deviate from.
func (x *Extractor) isNewCountry(e *store.AuthEvent, country string) (bool, error) {
	history, err := x.store.ListEventsForUsernameSince(e.TargetUsername, e.Timestamp.UTC().Add(-typicalLoginWindow))
	if err != nil {
		return false, err
	}
	var sawAny bool
	for _, h := range history {
		if h.EventUUID == e.EventUUID || h.GeoIP == "" {
			continue
		}
		geo, err := x.store.GetIPGeo(h.GeoIP)
		if err != nil {
			return false, err
		}
		if geo == nil || geo.Country == "" {
			continue
		}
		sawAny = true
		if geo.Country == country {
			return false, nil
		}
	}
	return sawAny, nil
}

func (x *Extractor) fillTemporal(v *Vector, ts time.Time) {
	ts = ts.UTC()
	v.Hour = ts.Hour()
	v.DayOfWeek = int(ts.Weekday())
	v.IsWeekend = ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday
	v.IsBusinessHours = !v.IsWeekend && v.Hour >= x.businessStart && v.Hour < x.businessEnd
	radians := 2 * math.Pi * float64(v.Hour) / 24
	v.HourSin = math.Sin(radians)
	v.HourCos = math.Cos(radians)
}

func (x *Extractor) fillBehavioral(v *Vector, e *store.AuthEvent, history []*store.AuthEvent) {
	now := e.Timestamp.UTC()
	var lastMinute, lastHour, last24h []*store.AuthEvent
	var successes, failures int
	var consecutiveFailures int
	var lastAttempt time.Time

	for _, h := range history {
		ts := h.Timestamp.UTC()
		if now.Sub(ts) <= time.Minute {
			lastMinute = append(lastMinute, h)
		}
		if now.Sub(ts) <= time.Hour {
			lastHour = append(lastHour, h)
		}
		if now.Sub(ts) <= 24*time.Hour {
			last24h = append(last24h, h)
		}
		if h.EventType == store.AuthEventSuccessful {
			successes++
		} else {
			failures++
		}
		if ts.After(lastAttempt) {
			lastAttempt = ts
		}
	}

	// Consecutive failures counted backward from the most recent prior
	// event, stopping at the first success.
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].EventType != store.AuthEventFailed {
			break
		}
		consecutiveFailures++
	}

	v.AttemptsPerMinute = float64(len(lastMinute))
	v.UniqueUsernamesHour = store.CountDistinctUsernamesForIP(lastHour)
	v.UniqueTargetsHour = store.CountDistinctAgentsForIP(lastHour)
	v.AttemptsLastHour = len(lastHour)
	v.ConsecutiveFailures = consecutiveFailures
	v.IsFirstSighting = len(history) == 0

	if total := len(last24h); total > 0 {
		var f int
		for _, h := range last24h {
			if h.EventType == store.AuthEventFailed {
				f++
			}
		}
		v.FailureRate24h = float64(f) / float64(total)
	}
	if total := successes + failures; total > 0 {
		v.LifetimeSuccessRate = float64(successes) / float64(total)
	}
	if !lastAttempt.IsZero() {
		v.SecondsSinceLastAttempt = now.Sub(lastAttempt).Seconds()
	} else {
		v.SecondsSinceLastAttempt = -1 // sentinel: no prior attempt observed
	}
}

func (x *Extractor) fillGeographic(v *Vector, geo *store.IPGeo) {
	if geo == nil {
		return
	}
	v.IsHighRiskCountry = x.highRisk != nil && x.highRisk(geo.Country)
	if v.IsHighRiskCountry {
		v.CountryRiskScore = 80
	} else if geo.Country != "" {
		v.CountryRiskScore = 20
	}
	// IsNewCountry is filled in by ExtractForIP, which has store access
	// to the username's login history; Extract stays store-free so it
	// stays directly unit-testable, so it leaves this at the zero value.
	//
	// Typical-login-location distance and timezone deviation need a
	// per-username geographic centroid/timezone this system does not
	// yet compute from auth_events; left at the zero value until that
	// derivation is built out, rather than guessed at.
	v.KmFromTypicalLogin = 0
	v.IsNewCountry = false
	v.TimezoneDeviationHrs = 0
}

func (x *Extractor) fillNetwork(v *Vector, geo *store.IPGeo) {
	if geo == nil {
		return
	}
	v.IsProxyVPNOrTor = geo.IsProxy || geo.IsVPN || geo.IsTor
	v.IsDatacenter = geo.IsDatacenter
	switch {
	case geo.IsTor:
		v.ASNRiskScore = 90
	case geo.IsDatacenter:
		v.ASNRiskScore = 60
	case geo.IsProxy || geo.IsVPN:
		v.ASNRiskScore = 50
	default:
		v.ASNRiskScore = 10
	}
}
