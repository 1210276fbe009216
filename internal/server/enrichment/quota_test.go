package enrichment

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQuotaTracker_UnknownProviderAllowsByDefault(t *testing.T) {
	tr := NewQuotaTracker()
	ok, wait := tr.CanProceed("abuseipdb", 5)
	require.True(t, ok)
	require.Zero(t, wait)
}

func TestQuotaTracker_AbuseIPDBHeaders(t *testing.T) {
	tr := NewQuotaTracker()
	h := http.Header{}
	h.Set("X-RateLimit-Limit", "1000")
	h.Set("X-RateLimit-Remaining", "3")
	h.Set("X-RateLimit-Reset", "9999999999")
	tr.Record("abuseipdb", h)

	ok, _ := tr.CanProceed("abuseipdb", 5)
	require.False(t, ok, "remaining below reserve headroom must block")

	ok, _ = tr.CanProceed("abuseipdb", 1)
	require.True(t, ok)
}

func TestQuotaTracker_VirusTotalQuotaHeaders(t *testing.T) {
	tr := NewQuotaTracker()
	h := http.Header{}
	h.Set("X-Quota-Limit", "500;w=86400")
	h.Set("X-Quota-Remaining", "0;w=86400")
	tr.Record("virustotal", h)

	ok, wait := tr.CanProceed("virustotal", 0)
	require.False(t, ok)
	require.Greater(t, wait, time.Duration(0))
}

func TestQuotaTracker_StaleResetAllowsAgain(t *testing.T) {
	tr := NewQuotaTracker()
	h := http.Header{}
	h.Set("X-RateLimit-Limit", "10")
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", "1")
	tr.Record("abuseipdb", h)

	ok, wait := tr.CanProceed("abuseipdb", 0)
	require.True(t, ok)
	require.Zero(t, wait)
}

func TestQuotaTracker_Status(t *testing.T) {
	tr := NewQuotaTracker()
	h := http.Header{}
	h.Set("X-RateLimit-Limit", "1000")
	h.Set("X-RateLimit-Remaining", "500")
	tr.Record("abuseipdb", h)

	statuses := tr.Status()
	require.Len(t, statuses, 1)
	require.Equal(t, "abuseipdb", statuses[0].Provider)
	require.Equal(t, 500, statuses[0].Remaining)
}
