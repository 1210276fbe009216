package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// VirusTotalClient queries the VirusTotal IP address report endpoint
// for last-analysis detection counts, supplementing AbuseIPDB's score
// with a second independent reputation signal.
type VirusTotalClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	quota   *QuotaTracker
}

// NewVirusTotalClient builds a client against baseURL using apiKey.
func NewVirusTotalClient(baseURL, apiKey string, timeout time.Duration, quota *QuotaTracker) *VirusTotalClient {
	return &VirusTotalClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		quota:   quota,
	}
}

type virusTotalResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Harmless   int `json:"harmless"`
				Undetected int `json:"undetected"`
			} `json:"last_analysis_stats"`
		} `json:"attributes"`
	} `json:"data"`
}

// Lookup implements ReputationProvider, merged with AbuseIPDB's result
// by the caller rather than on its own — VirusTotal alone cannot tell
// us about Tor/proxy status.
func (c *VirusTotalClient) Lookup(ctx context.Context, ip string) (*ReputationResult, error) {
	if c.apiKey == "" {
		return &ReputationResult{}, nil
	}

	endpoint := c.baseURL + "/api/v3/ip_addresses/" + ip
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build virustotal request: %w", err)
	}
	req.Header.Set("x-apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("virustotal request for %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if c.quota != nil {
		c.quota.Record("virustotal", resp.Header)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("virustotal returned status %d for %s", resp.StatusCode, ip)
	}

	var parsed virusTotalResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode virustotal response: %w", err)
	}

	stats := parsed.Data.Attributes.LastAnalysisStats
	return &ReputationResult{
		VTPositives: stats.Malicious + stats.Suspicious,
		VTTotal:     stats.Malicious + stats.Suspicious + stats.Harmless + stats.Undetected,
	}, nil
}
