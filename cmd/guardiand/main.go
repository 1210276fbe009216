// Command guardiand is the SSH Guardian server: it ingests agent log
// batches and firewall inventories, enriches and scores auth events,
// decides whether to block an IP, and dispatches the resulting
// firewall commands back to agents.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sshguardian/core/internal/auth"
	"github.com/sshguardian/core/internal/config"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/server/blocking"
	"github.com/sshguardian/core/internal/server/enrichment"
	"github.com/sshguardian/core/internal/server/features"
	"github.com/sshguardian/core/internal/server/ingestor"
	"github.com/sshguardian/core/internal/server/notify"
	"github.com/sshguardian/core/internal/server/opsapi"
	"github.com/sshguardian/core/internal/server/reconciler"
	"github.com/sshguardian/core/internal/server/scoring"
	"github.com/sshguardian/core/internal/server/scoring/isolationforest"
	"github.com/sshguardian/core/internal/server/sweeper"
	"github.com/sshguardian/core/internal/server/tlsutil"
	"github.com/sshguardian/core/internal/store"
)

var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "gen-ops-token" {
		genOpsToken()
		return
	}

	cfg := config.LoadServer()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	log.Info("guardiand starting", "version", versionString(), "listen_addr", cfg.ListenAddr)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		log.Error("failed to create db directory", "error", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	geo := buildGeoProvider(cfg, log)
	if closer, ok := geo.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	quota := enrichment.NewQuotaTracker()
	reputations, _ := buildReputationProviders(cfg, quota)
	limiter := enrichment.NewLimiter(1, 5, "enrichment")
	enricher := enrichment.NewEnricher(st, geo, reputations, limiter, enrichment.DefaultTTLPolicy(), cfg.IsHighRiskCountry)
	extractor := features.NewExtractor(st, cfg.IsHighRiskCountry)

	ruleEvaluator := scoring.NewStoreRuleEvaluator(st)
	var anomaly scoring.AnomalyModel
	if cfg.IsolationForestModelPath != "" {
		model, err := isolationforest.Load(cfg.IsolationForestModelPath)
		if err != nil {
			log.Warn("failed to load isolation forest model, anomaly layer disabled", "path", cfg.IsolationForestModelPath, "error", err)
		} else {
			anomaly = model
			log.Info("isolation forest model loaded", "path", cfg.IsolationForestModelPath)
		}
	}
	scorer := scoring.NewScorer(ruleEvaluator, anomaly)

	notifier := notify.NewMulti(log, buildNotifiers(cfg, log)...)
	engine := blocking.New(st, cfg, notifier, log)

	ing := ingestor.New(st, cfg, enricher, extractor, scorer, engine, log)
	rec := reconciler.New(st, cfg, log)
	sw := sweeper.New(st, cfg, engine, rec, log)
	ops := opsapi.New(st, engine, log)

	router := chi.NewRouter()
	ing.Routes(router)
	ops.Routes(router, cfg.OpsAPIBearerTokenHash)

	certPath, keyPath := cfg.TLSCert, cfg.TLSKey
	if certPath == "" || keyPath == "" {
		certPath, keyPath, err = tlsutil.EnsureSelfSigned(filepath.Dir(cfg.DBPath))
		if err != nil {
			log.Error("failed to provision tls certificate", "error", err)
			os.Exit(1)
		}
		log.Info("tls enabled (self-signed certificate)", "cert", certPath)
	} else {
		log.Info("tls enabled (operator-provided certificate)")
	}

	apiServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	if err := sw.Start(ctx); err != nil {
		log.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}

	go func() {
		log.Info("agent api listening", "addr", cfg.ListenAddr)
		if err := apiServer.ListenAndServeTLS(certPath, keyPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("agent api server error", "error", err)
		}
	}()

	if metricsServer != nil {
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	sw.Stop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	_ = apiServer.Shutdown(shutCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutCtx)
	}

	log.Info("guardiand shutdown complete")
}

// buildGeoProvider returns a MaxMind-backed provider if a database path
// is configured and opens cleanly, otherwise a provider that always
// resolves to an empty (zero-risk) geographic result.
func buildGeoProvider(cfg *config.ServerConfig, log *logging.Logger) enrichment.GeoProvider {
	if cfg.GeoIPDatabasePath == "" {
		return enrichment.NoopGeoProvider{}
	}
	p, err := enrichment.OpenMaxMindGeoProvider(cfg.GeoIPDatabasePath)
	if err != nil {
		log.Warn("failed to open geoip database, geographic enrichment disabled", "path", cfg.GeoIPDatabasePath, "error", err)
		return enrichment.NoopGeoProvider{}
	}
	log.Info("geoip database opened", "path", cfg.GeoIPDatabasePath)
	return p
}

// buildReputationProviders wires AbuseIPDB and VirusTotal clients when
// their API keys are configured, in priority order, plus their
// provider names.
func buildReputationProviders(cfg *config.ServerConfig, quota *enrichment.QuotaTracker) ([]enrichment.ReputationProvider, []string) {
	var providers []enrichment.ReputationProvider
	var names []string
	if cfg.AbuseIPDBKey != "" {
		providers = append(providers, enrichment.NewAbuseIPDBClient(cfg.AbuseIPDBBaseURL, cfg.AbuseIPDBKey, cfg.EnrichmentTimeout, quota))
		names = append(names, "abuseipdb")
	}
	if cfg.VirusTotalKey != "" {
		providers = append(providers, enrichment.NewVirusTotalClient(cfg.VirusTotalBaseURL, cfg.VirusTotalKey, cfg.EnrichmentTimeout, quota))
		names = append(names, "virustotal")
	}
	return providers, names
}

// buildNotifiers constructs the notification chain from configured
// environment variables, always including the log notifier so every
// notable event is at minimum recorded in the server's own log stream.
func buildNotifiers(cfg *config.ServerConfig, log *logging.Logger) []notify.Notifier {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.GotifyURL != "" {
		notifiers = append(notifiers, notify.NewGotify(cfg.GotifyURL, cfg.GotifyToken))
		log.Info("gotify notifications enabled", "url", cfg.GotifyURL)
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, parseHeaders(cfg.WebhookHeaders)))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlack(cfg.SlackWebhook))
		log.Info("slack notifications enabled")
	}
	if cfg.MQTTBrokerURL != "" {
		mqtt := notify.NewMQTT(cfg.MQTTBrokerURL, cfg.MQTTTopic, "ssh-guardian", "", "", 0)
		notifiers = append(notifiers, mqtt)
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBrokerURL, "topic", cfg.MQTTTopic)
	}
	return notifiers
}

// parseHeaders parses comma-separated "Key:Value" pairs into a map.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) == 2 {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}

// genOpsToken prints a freshly generated operator API bearer token and
// its hash, then exits. The plaintext is shown exactly once; only the
// hash should be kept (via SSH_GUARDIAN_OPS_TOKEN_HASH) on the server
// that will authenticate it.
func genOpsToken() {
	plaintext, hash, err := auth.GenerateAPIToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("token: %s\n", plaintext)
	fmt.Printf("hash:  %s\n", hash)
	fmt.Println("set SSH_GUARDIAN_OPS_TOKEN_HASH to the hash above, and give the token to the operator out of band.")
}
