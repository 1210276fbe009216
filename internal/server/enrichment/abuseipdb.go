package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// AbuseIPDBClient queries the AbuseIPDB /check endpoint for an IP's
// abuse confidence score and report count.
type AbuseIPDBClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	quota   *QuotaTracker
}

// NewAbuseIPDBClient builds a client against baseURL (e.g.
// https://api.abuseipdb.com) using apiKey, sharing quota with other
// enrichment providers for operator-visible status reporting.
func NewAbuseIPDBClient(baseURL, apiKey string, timeout time.Duration, quota *QuotaTracker) *AbuseIPDBClient {
	return &AbuseIPDBClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		quota:   quota,
	}
}

type abuseIPDBResponse struct {
	Data struct {
		AbuseConfidenceScore int  `json:"abuseConfidenceScore"`
		TotalReports         int  `json:"totalReports"`
		IsTor                bool `json:"isTor"`
	} `json:"data"`
}

// Lookup implements ReputationProvider.
func (c *AbuseIPDBClient) Lookup(ctx context.Context, ip string) (*ReputationResult, error) {
	if c.apiKey == "" {
		return &ReputationResult{}, nil
	}

	endpoint := c.baseURL + "/api/v2/check?" + url.Values{
		"ipAddress":    {ip},
		"maxAgeInDays": {"90"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build abuseipdb request: %w", err)
	}
	req.Header.Set("Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("abuseipdb request for %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if c.quota != nil {
		c.quota.Record("abuseipdb", resp.Header)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("abuseipdb returned status %d for %s", resp.StatusCode, ip)
	}

	var parsed abuseIPDBResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode abuseipdb response: %w", err)
	}

	return &ReputationResult{
		AbuseScore:   parsed.Data.AbuseConfidenceScore,
		AbuseReports: parsed.Data.TotalReports,
		IsTor:        parsed.Data.IsTor,
	}, nil
}
