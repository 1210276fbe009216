// Package config loads server and agent configuration from environment
// variables, with compiled defaults and runtime-mutable fields protected by
// a mutex where a background loop and an HTTP handler can race on them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sshguardian/core/internal/auth"
)

// ServerConfig holds all guardiand configuration from environment variables.
// Mutable fields (risk layer weights, sweep pause flag) are protected by an
// RWMutex and must be accessed via getter/setter methods at runtime, since
// the scoring and sweeper goroutines read them while the ops API may write
// them.
type ServerConfig struct {
	// Network
	ListenAddr string
	MetricsAddr string

	// TLS: operator-supplied certificate takes precedence; otherwise a
	// self-signed certificate is generated under DBPath's directory.
	TLSCert string
	TLSKey  string

	// Storage
	DBPath string

	// Logging
	LogJSON bool

	// Agent protocol
	HeartbeatIntervalDefault time.Duration
	MaxInFlightBatchesPerAgent int

	// Enrichment
	AbuseIPDBKey       string
	AbuseIPDBBaseURL   string
	VirusTotalKey      string
	VirusTotalBaseURL  string
	GeoIPDatabasePath  string
	EnrichmentTimeout  time.Duration
	IsolationForestModelPath string

	// Sweepers
	DisconnectSweepCron string
	UnblockSweepCron    string
	RetentionSweepCron  string
	ReconcileCron       string
	HeartbeatRetention  time.Duration
	BatchRetention      time.Duration
	ReconcileRetryAfter time.Duration

	// Notification channels
	GotifyURL      string
	GotifyToken    string
	WebhookURL     string
	WebhookHeaders string
	SlackWebhook   string
	MQTTBrokerURL  string
	MQTTTopic      string

	// Operator API
	OpsAPIBearerTokenHash string

	MetricsEnabled bool

	// mu protects the mutable runtime fields below.
	mu                 sync.RWMutex
	ruleWeight         float64
	anomalyWeight      float64
	reputationWeight   float64
	geographicWeight   float64
	mlEmitThreshold    float64
	sweepsPaused       bool
	highRiskCountries  map[string]bool
}

// NewTestServerConfig creates a ServerConfig with sensible defaults for tests.
func NewTestServerConfig() *ServerConfig {
	c := &ServerConfig{
		HeartbeatIntervalDefault:  30 * time.Second,
		MaxInFlightBatchesPerAgent: 4,
		EnrichmentTimeout:          5 * time.Second,
		HeartbeatRetention:         7 * 24 * time.Hour,
		BatchRetention:             30 * 24 * time.Hour,
		ReconcileRetryAfter:        5 * time.Minute,
		ruleWeight:                 0.25,
		anomalyWeight:              0.30,
		reputationWeight:           0.35,
		geographicWeight:           0.10,
		mlEmitThreshold:            0.5,
		highRiskCountries:          map[string]bool{},
	}
	return c
}

// LoadServer reads all server configuration from environment variables.
func LoadServer() *ServerConfig {
	return &ServerConfig{
		ListenAddr:                 envStr("SSH_GUARDIAN_LISTEN_ADDR", ":8443"),
		MetricsAddr:                envStr("SSH_GUARDIAN_METRICS_ADDR", ":9443"),
		TLSCert:                    envStr("SSH_GUARDIAN_TLS_CERT", ""),
		TLSKey:                     envStr("SSH_GUARDIAN_TLS_KEY", ""),
		DBPath:                     envStr("SSH_GUARDIAN_DB_PATH", "/var/lib/ssh-guardian/guardian.db"),
		LogJSON:                    envBool("SSH_GUARDIAN_LOG_JSON", true),
		HeartbeatIntervalDefault:   envDuration("SSH_GUARDIAN_HEARTBEAT_INTERVAL_DEFAULT", 30*time.Second),
		MaxInFlightBatchesPerAgent: envInt("SSH_GUARDIAN_MAX_INFLIGHT_BATCHES", 4),
		AbuseIPDBKey:               envStr("SSH_GUARDIAN_ABUSEIPDB_KEY", ""),
		AbuseIPDBBaseURL:           envStr("SSH_GUARDIAN_ABUSEIPDB_URL", "https://api.abuseipdb.com"),
		VirusTotalKey:              envStr("SSH_GUARDIAN_VIRUSTOTAL_KEY", ""),
		VirusTotalBaseURL:          envStr("SSH_GUARDIAN_VIRUSTOTAL_URL", "https://www.virustotal.com"),
		GeoIPDatabasePath:          envStr("SSH_GUARDIAN_GEOIP_DB", "/var/lib/ssh-guardian/GeoLite2-City.mmdb"),
		EnrichmentTimeout:          envDuration("SSH_GUARDIAN_ENRICHMENT_TIMEOUT", 10*time.Second),
		IsolationForestModelPath:   envStr("SSH_GUARDIAN_ISOLATION_FOREST_MODEL", ""),
		DisconnectSweepCron:        envStr("SSH_GUARDIAN_DISCONNECT_SWEEP_CRON", "*/1 * * * *"),
		UnblockSweepCron:           envStr("SSH_GUARDIAN_UNBLOCK_SWEEP_CRON", "*/1 * * * *"),
		RetentionSweepCron:         envStr("SSH_GUARDIAN_RETENTION_SWEEP_CRON", "0 3 * * *"),
		ReconcileCron:              envStr("SSH_GUARDIAN_RECONCILE_CRON", "*/5 * * * *"),
		HeartbeatRetention:         envDuration("SSH_GUARDIAN_HEARTBEAT_RETENTION", 7*24*time.Hour),
		BatchRetention:             envDuration("SSH_GUARDIAN_BATCH_RETENTION", 30*24*time.Hour),
		ReconcileRetryAfter:        envDuration("SSH_GUARDIAN_RECONCILE_RETRY_AFTER", 5*time.Minute),
		GotifyURL:                  envStr("SSH_GUARDIAN_GOTIFY_URL", ""),
		GotifyToken:                envStr("SSH_GUARDIAN_GOTIFY_TOKEN", ""),
		WebhookURL:                 envStr("SSH_GUARDIAN_WEBHOOK_URL", ""),
		WebhookHeaders:             envStr("SSH_GUARDIAN_WEBHOOK_HEADERS", ""),
		SlackWebhook:               envStr("SSH_GUARDIAN_SLACK_WEBHOOK", ""),
		MQTTBrokerURL:              envStr("SSH_GUARDIAN_MQTT_BROKER", ""),
		MQTTTopic:                  envStr("SSH_GUARDIAN_MQTT_TOPIC", "ssh-guardian/events"),
		OpsAPIBearerTokenHash:      opsTokenHash(),
		MetricsEnabled:             envBool("SSH_GUARDIAN_METRICS", true),
		ruleWeight:                 envFloat("SSH_GUARDIAN_WEIGHT_RULE", 0.25),
		anomalyWeight:              envFloat("SSH_GUARDIAN_WEIGHT_ANOMALY", 0.30),
		reputationWeight:           envFloat("SSH_GUARDIAN_WEIGHT_REPUTATION", 0.35),
		geographicWeight:           envFloat("SSH_GUARDIAN_WEIGHT_GEOGRAPHIC", 0.10),
		mlEmitThreshold:            envFloat("SSH_GUARDIAN_ML_EMIT_THRESHOLD", 0.5),
		highRiskCountries:          parseCountrySet(envStr("SSH_GUARDIAN_HIGH_RISK_COUNTRIES", "")),
	}
}

// opsTokenHash resolves the operator API's bearer token hash.
// SSH_GUARDIAN_OPS_TOKEN_HASH takes a pre-computed hash directly, for
// operators who generate it out of band; SSH_GUARDIAN_OPS_TOKEN takes
// a plaintext token and is hashed here so the plaintext never needs to
// be written to the environment a second time. An empty result leaves
// the operator API disabled.
func opsTokenHash() string {
	if h := envStr("SSH_GUARDIAN_OPS_TOKEN_HASH", ""); h != "" {
		return h
	}
	if plain := envStr("SSH_GUARDIAN_OPS_TOKEN", ""); plain != "" {
		return auth.HashToken(plain)
	}
	return ""
}

// Validate checks configuration for invalid values.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.HeartbeatIntervalDefault <= 0 {
		errs = append(errs, fmt.Errorf("SSH_GUARDIAN_HEARTBEAT_INTERVAL_DEFAULT must be > 0"))
	}
	if c.MaxInFlightBatchesPerAgent <= 0 {
		errs = append(errs, fmt.Errorf("SSH_GUARDIAN_MAX_INFLIGHT_BATCHES must be > 0"))
	}
	sum := c.RuleWeight() + c.AnomalyWeight() + c.ReputationWeight() + c.GeographicWeight()
	if sum < 0.99 || sum > 1.01 {
		errs = append(errs, fmt.Errorf("risk layer weights must sum to 1.0, got %.3f", sum))
	}
	return errors.Join(errs...)
}

// RuleWeight returns the current rule-layer weight (thread-safe).
func (c *ServerConfig) RuleWeight() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ruleWeight
}

// SetRuleWeight updates the rule-layer weight at runtime (thread-safe).
func (c *ServerConfig) SetRuleWeight(w float64) {
	c.mu.Lock()
	c.ruleWeight = w
	c.mu.Unlock()
}

// AnomalyWeight returns the current anomaly-layer weight (thread-safe).
func (c *ServerConfig) AnomalyWeight() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.anomalyWeight
}

// SetAnomalyWeight updates the anomaly-layer weight at runtime (thread-safe).
func (c *ServerConfig) SetAnomalyWeight(w float64) {
	c.mu.Lock()
	c.anomalyWeight = w
	c.mu.Unlock()
}

// ReputationWeight returns the current reputation-layer weight (thread-safe).
func (c *ServerConfig) ReputationWeight() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reputationWeight
}

// SetReputationWeight updates the reputation-layer weight at runtime (thread-safe).
func (c *ServerConfig) SetReputationWeight(w float64) {
	c.mu.Lock()
	c.reputationWeight = w
	c.mu.Unlock()
}

// GeographicWeight returns the current geographic-layer weight (thread-safe).
func (c *ServerConfig) GeographicWeight() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.geographicWeight
}

// SetGeographicWeight updates the geographic-layer weight at runtime (thread-safe).
func (c *ServerConfig) SetGeographicWeight(w float64) {
	c.mu.Lock()
	c.geographicWeight = w
	c.mu.Unlock()
}

// MLEmitThreshold returns the minimum normalized score required for an
// ml-sourced block to be emitted (thread-safe).
func (c *ServerConfig) MLEmitThreshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mlEmitThreshold
}

// SetMLEmitThreshold updates the ML emit threshold at runtime (thread-safe).
func (c *ServerConfig) SetMLEmitThreshold(t float64) {
	c.mu.Lock()
	c.mlEmitThreshold = t
	c.mu.Unlock()
}

// SweepsPaused reports whether the background sweepers are paused.
func (c *ServerConfig) SweepsPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sweepsPaused
}

// SetSweepsPaused pauses or resumes the background sweepers at runtime.
func (c *ServerConfig) SetSweepsPaused(b bool) {
	c.mu.Lock()
	c.sweepsPaused = b
	c.mu.Unlock()
}

// IsHighRiskCountry reports whether the given ISO country code is in the
// configured high-risk set (thread-safe).
func (c *ServerConfig) IsHighRiskCountry(code string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.highRiskCountries[code]
}

// SetHighRiskCountries replaces the configured high-risk country set.
func (c *ServerConfig) SetHighRiskCountries(codes []string) {
	set := make(map[string]bool, len(codes))
	for _, code := range codes {
		set[code] = true
	}
	c.mu.Lock()
	c.highRiskCountries = set
	c.mu.Unlock()
}

func parseCountrySet(csv string) map[string]bool {
	set := map[string]bool{}
	for _, part := range splitCSV(csv) {
		set[part] = true
	}
	return set
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
