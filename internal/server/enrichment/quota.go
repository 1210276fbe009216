// Package enrichment looks up external reputation/geolocation data for
// source IPs seen in auth events: AbuseIPDB abuse scores, VirusTotal
// detections, and MaxMind-style GeoIP, cached in the store with a TTL
// and protected by a rate limiter and request
// deduplicator so a burst of events for the same IP costs at most one
// outbound call.
package enrichment

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProviderQuota is the last-known rate limit state for one external
// enrichment provider, as reported by its own response headers.
type ProviderQuota struct {
	Limit       int       `json:"limit"`      // calls allowed per window; -1 = unknown
	Remaining   int       `json:"remaining"`  // calls left in the current window
	ResetAt     time.Time `json:"reset_at"`
	HasLimits   bool      `json:"has_limits"` // false if the provider never sent limit headers
	LastUpdated time.Time `json:"last_updated"`
}

// QuotaStatus is a snapshot of one provider's quota for the operator API.
type QuotaStatus struct {
	Provider    string    `json:"provider"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	ResetAt     time.Time `json:"reset_at"`
	HasLimits   bool      `json:"has_limits"`
	LastUpdated time.Time `json:"last_updated"`
}

// QuotaTracker tracks per-provider rate limit headroom in memory, as
// recorded from each provider's response headers; CanProceed reports
// whether a provider has headroom left. The enrichment clients only
// record headers: they do not consult CanProceed before a call.
type QuotaTracker struct {
	mu        sync.RWMutex
	providers map[string]*ProviderQuota
}

// NewQuotaTracker creates an empty tracker.
func NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{providers: make(map[string]*ProviderQuota)}
}

// Record captures rate limit headers from a provider's HTTP response,
// auto-registering the provider if this is its first response.
func (t *QuotaTracker) Record(provider string, headers http.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.providers[provider]
	if !ok {
		s = &ProviderQuota{Limit: -1}
		t.providers[provider] = s
	}
	s.LastUpdated = time.Now()

	// AbuseIPDB-style: X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset
	if limit := headers.Get("X-RateLimit-Limit"); limit != "" {
		s.HasLimits = true
		s.Limit, _ = strconv.Atoi(limit)
		if rem := headers.Get("X-RateLimit-Remaining"); rem != "" {
			s.Remaining, _ = strconv.Atoi(rem)
		}
		if reset := headers.Get("X-RateLimit-Reset"); reset != "" {
			if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
				s.ResetAt = time.Unix(epoch, 0)
			}
		}
		return
	}

	// VirusTotal-style quota header: "quota;w=seconds"
	if limit := headers.Get("X-Quota-Limit"); limit != "" {
		s.HasLimits = true
		s.Limit = parseQuotaValue(limit)
		if rem := headers.Get("X-Quota-Remaining"); rem != "" {
			s.Remaining = parseQuotaValue(rem)
		}
		if window := parseQuotaWindow(limit); window > 0 {
			s.ResetAt = time.Now().Add(time.Duration(window) * time.Second)
		}
		return
	}

	if !s.HasLimits && s.Limit == -1 {
		s.HasLimits = false
	}
}

// CanProceed reports whether another call to provider is safe to make,
// keeping reserve calls as headroom, and how long to wait otherwise.
func (t *QuotaTracker) CanProceed(provider string, reserve int) (bool, time.Duration) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.providers[provider]
	if !ok || !s.HasLimits {
		return true, 0
	}
	if s.Remaining > reserve {
		return true, 0
	}
	wait := time.Until(s.ResetAt)
	if wait < 0 {
		return true, 0
	}
	return false, wait
}

// Status returns a snapshot of every tracked provider, for the operator API.
func (t *QuotaTracker) Status() []QuotaStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]QuotaStatus, 0, len(t.providers))
	for name, s := range t.providers {
		out = append(out, QuotaStatus{
			Provider:    name,
			Limit:       s.Limit,
			Remaining:   s.Remaining,
			ResetAt:     s.ResetAt,
			HasLimits:   s.HasLimits,
			LastUpdated: s.LastUpdated,
		})
	}
	return out
}

func parseQuotaValue(val string) int {
	parts := strings.SplitN(val, ";", 2)
	n, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
	return n
}

func parseQuotaWindow(val string) int {
	parts := strings.SplitN(val, ";", 2)
	if len(parts) < 2 {
		return 0
	}
	kv := strings.TrimSpace(parts[1])
	if strings.HasPrefix(kv, "w=") {
		n, _ := strconv.Atoi(kv[2:])
		return n
	}
	return 0
}
