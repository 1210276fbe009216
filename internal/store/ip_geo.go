package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ThreatLevel is the enrichment-derived classification of an IP.
type ThreatLevel string

const (
	ThreatUnknown  ThreatLevel = "unknown"
	ThreatClean    ThreatLevel = "clean"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// IPGeo is the cached geolocation + reputation row for one IP.
type IPGeo struct {
	IPAddress         string      `json:"ip_address"`
	Country           string      `json:"country,omitempty"`
	City              string      `json:"city,omitempty"`
	ASN               string      `json:"asn,omitempty"`
	ISP               string      `json:"isp,omitempty"`
	IsProxy           bool        `json:"is_proxy"`
	IsVPN             bool        `json:"is_vpn"`
	IsTor             bool        `json:"is_tor"`
	IsDatacenter      bool        `json:"is_datacenter"`
	AbuseIPDBScore    int         `json:"abuseipdb_score"`
	AbuseIPDBReports  int         `json:"abuseipdb_reports"`
	VirusTotalPositives int       `json:"virustotal_positives"`
	VirusTotalTotal   int         `json:"virustotal_total"`
	ThreatLevel       ThreatLevel `json:"threat_level"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
}

// Expired reports whether this cache row's TTL has elapsed as of now.
func (g *IPGeo) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// GetIPGeo returns the cached enrichment row for an IP, or nil if never seen.
func (s *Store) GetIPGeo(ip string) (*IPGeo, error) {
	var g *IPGeo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIPGeo).Get([]byte(ip))
		if data == nil {
			return nil
		}
		g = &IPGeo{}
		return json.Unmarshal(data, g)
	})
	return g, err
}

// PutIPGeo inserts or replaces the enrichment row for an IP.
func (s *Store) PutIPGeo(g *IPGeo) error {
	g.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIPGeo).Put([]byte(g.IPAddress), data)
	})
}
