// Package ingestor implements the agent-facing wire protocol's HTTP
// surface: register, heartbeat, logs, ufw/sync, ufw/commands, and
// firewall/command-result. Classification, enrichment, and scoring
// happen inline on the logs handler; blocking decisions are delegated
// to a BlockDecider so this package never depends on the blocking
// engine's internals.
package ingestor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sshguardian/core/internal/auth"
	"github.com/sshguardian/core/internal/config"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/metrics"
	"github.com/sshguardian/core/internal/server/enrichment"
	"github.com/sshguardian/core/internal/server/features"
	"github.com/sshguardian/core/internal/server/httpx"
	"github.com/sshguardian/core/internal/server/scoring"
	"github.com/sshguardian/core/internal/server/parser"
	"github.com/sshguardian/core/internal/store"
	"github.com/sshguardian/core/internal/wire"
)

// BlockDecider is consulted after every scored event; it owns the
// idempotent-block/extend/skip decision and any command emission. A nil
// BlockDecider disables automatic blocking (scoring and storage still
// happen), which is useful for an ingest-only deployment or a test.
type BlockDecider interface {
	Decide(ctx context.Context, e *store.AuthEvent, result scoring.Result) error
}

// Ingestor wires the durable store, enrichment, feature extraction, and
// scoring pipeline behind the six chi-routed endpoints.
type Ingestor struct {
	store     *store.Store
	cfg       *config.ServerConfig
	enricher  *enrichment.Enricher
	extractor *features.Extractor
	scorer    *scoring.Scorer
	decider   BlockDecider
	log       *logging.Logger

	mu        sync.Mutex
	inflight  map[string]int // agentID -> in-flight batch count, for per-agent back-pressure

	regLimiter *auth.RateLimiter // guards the public, unauthenticated register endpoint
}

// New builds an Ingestor. decider may be nil.
func New(st *store.Store, cfg *config.ServerConfig, enricher *enrichment.Enricher, extractor *features.Extractor, scorer *scoring.Scorer, decider BlockDecider, log *logging.Logger) *Ingestor {
	return &Ingestor{
		store:      st,
		cfg:        cfg,
		enricher:   enricher,
		extractor:  extractor,
		scorer:     scorer,
		decider:    decider,
		log:        log,
		inflight:   make(map[string]int),
		regLimiter: auth.NewRateLimiter(),
	}
}

// Routes mounts the agent protocol on r. Registration is public; every
// other route requires an approved, active agent's API key.
func (ig *Ingestor) Routes(r chi.Router) {
	r.Post("/api/agents/register", ig.handleRegister)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAgentKey(ig.store))
		r.Post("/api/agents/heartbeat", ig.handleHeartbeat)
		r.Post("/api/agents/logs", ig.handleLogs)
		r.Post("/api/agents/ufw/sync", ig.handleUFWSync)
		r.Get("/api/agents/ufw/commands", ig.handleUFWCommands)
		r.Post("/api/agents/firewall/command-result", ig.handleCommandResult)
	})
}

// handleRegister implements POST /api/agents/register. Registering
// twice with the same agent_id returns the same UUID and does not
// reset approval status: a known agent_id is refreshed in place rather
// than re-created, and only a brand-new agent_id is issued a fresh API
// key and left pending approval.
func (ig *Ingestor) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !ig.regLimiter.Allow(clientIP(r)) {
		httpx.WriteError(w, http.StatusTooManyRequests, "too many registration attempts, try again later")
		return
	}
	// Every registration attempt counts against the per-IP limit.
	ig.regLimiter.RecordFailure(clientIP(r))

	var req wire.RegisterRequest
	if !httpx.DecodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.Hostname == "" {
		httpx.WriteError(w, http.StatusBadRequest, "agent_id and hostname are required")
		return
	}

	existing, err := ig.store.GetAgent(req.AgentID)
	if err != nil {
		ig.log.Error("lookup agent failed", "agent_id", req.AgentID, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	now := time.Now().UTC()
	if existing != nil {
		existing.Hostname = req.Hostname
		existing.Version = req.Version
		if len(req.SystemInfo) > 0 {
			existing.SystemInfo = req.SystemInfo
		}
		existing.UpdatedAt = now
		if err := ig.store.PutAgent(existing); err != nil {
			ig.log.Error("update agent failed", "agent_id", req.AgentID, "error", err)
			httpx.WriteError(w, http.StatusInternalServerError, "update failed")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, wire.RegisterResponse{Success: true, Message: "already registered"})
		return
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		ig.log.Error("generate api key failed", "agent_id", req.AgentID, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "key generation failed")
		return
	}

	a := &store.Agent{
		AgentID:    req.AgentID,
		UUID:       uuid.NewString(),
		APIKeyHash: auth.HashAPIKey(apiKey),
		Hostname:   req.Hostname,
		Version:    req.Version,
		SystemInfo: req.SystemInfo,
		IsApproved: false,
		IsActive:   true,
		Status:     store.AgentStatusPending,
		Health:     store.AgentHealthUnknown,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := ig.store.PutAgent(a); err != nil {
		ig.log.Error("create agent failed", "agent_id", req.AgentID, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	ig.log.Info("agent registered", "agent_id", a.AgentID, "hostname", a.Hostname)
	httpx.WriteJSON(w, http.StatusOK, wire.RegisterResponse{
		Success: true,
		Message: "registered, pending approval",
		APIKey:  apiKey,
	})
}

// handleHeartbeat implements POST /api/agents/heartbeat.
func (ig *Ingestor) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req wire.HeartbeatRequest
	if !httpx.DecodeJSON(w, r, &req) {
		return
	}
	aa := auth.AgentFromContext(r.Context())
	if aa == nil || aa.AgentID != req.AgentID {
		httpx.WriteError(w, http.StatusUnauthorized, "agent id mismatch")
		return
	}

	now := time.Now().UTC()
	hb := &store.AgentHeartbeat{
		AgentID:       req.AgentID,
		Timestamp:     now,
		CPUPercent:    req.Metrics.CPUPercent,
		MemPercent:    req.Metrics.MemoryPercent,
		DiskPercent:   req.Metrics.DiskPercent,
		UptimeSeconds: req.Metrics.UptimeSeconds,
		Health:        parseHealth(req.HealthStatus),
	}
	if err := ig.store.PutHeartbeat(hb); err != nil {
		ig.log.Error("store heartbeat failed", "agent_id", req.AgentID, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "store failed")
		return
	}
	if _, err := ig.store.UpdateAgent(req.AgentID, func(a *store.Agent) error {
		a.LastHeartbeat = now
		a.Health = hb.Health
		if a.Status != store.AgentStatusInactive {
			a.Status = store.AgentStatusActive
		}
		return nil
	}); err != nil {
		ig.log.Error("update agent status failed", "agent_id", req.AgentID, "error", err)
	}

	metrics.HeartbeatsReceived.Inc()
	httpx.WriteJSON(w, http.StatusOK, wire.HeartbeatResponse{Success: true})
}

// handleLogs implements POST /api/agents/logs: classify, enrich, score,
// and (if a decider is wired) hand off each event for a blocking
// decision. Batch idempotency is enforced by reserving the batch_uuid
// via InsertLogBatchIfAbsent before any per-line work happens, so a
// retried upload never double-ingests — including when two copies of
// the same batch arrive concurrently, since the reservation (not just
// the final counts) is what the absence check guards.
func (ig *Ingestor) handleLogs(w http.ResponseWriter, r *http.Request) {
	var req wire.LogsRequest
	if !httpx.DecodeJSON(w, r, &req) {
		return
	}
	aa := auth.AgentFromContext(r.Context())
	if aa == nil || aa.AgentID != req.AgentID {
		httpx.WriteError(w, http.StatusUnauthorized, "agent id mismatch")
		return
	}

	if !ig.acquireSlot(req.AgentID) {
		metrics.BatchesReceived.WithLabelValues("rejected_backpressure").Inc()
		httpx.WriteError(w, http.StatusTooManyRequests, "too many in-flight batches for this agent")
		return
	}
	defer ig.releaseSlot(req.AgentID)

	now := time.Now().UTC()
	reservation := &store.AgentLogBatch{
		BatchUUID:      req.BatchUUID,
		AgentID:        req.AgentID,
		LineCount:      len(req.LogLines),
		SourceFilename: req.SourceFilename,
		ReceivedAt:     now,
	}
	reserved, err := ig.store.InsertLogBatchIfAbsent(reservation)
	if err != nil {
		ig.log.Error("reserve batch failed", "batch_uuid", req.BatchUUID, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "reserve batch failed")
		return
	}
	if !reserved {
		metrics.BatchesReceived.WithLabelValues("duplicate").Inc()
		existing, err := ig.store.GetLogBatch(req.BatchUUID)
		if err != nil || existing == nil {
			ig.log.Error("lookup duplicate batch failed", "batch_uuid", req.BatchUUID, "error", err)
			httpx.WriteError(w, http.StatusInternalServerError, "lookup batch failed")
			return
		}
		if !existing.Completed {
			// A second copy of this batch_uuid is already being
			// processed by another request right now. Acknowledge
			// without reprocessing; the agent sees the real counts if
			// it ever needs to query this batch again once the
			// in-flight copy finishes.
			httpx.WriteJSON(w, http.StatusOK, wire.LogsResponse{Success: true})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, wire.LogsResponse{
			Success:       true,
			EventsCreated: existing.ParsedCount,
			EventsFailed:  existing.DroppedCount,
		})
		return
	}

	ctx := r.Context()
	created, dropped := 0, 0
	for _, line := range req.LogLines {
		e, ok := parser.Classify(line, req.AgentID, now)
		if !ok {
			dropped++
			metrics.LinesDropped.Inc()
			continue
		}
		if err := ig.processEvent(ctx, e); err != nil {
			ig.log.Error("process event failed", "agent_id", req.AgentID, "error", err)
			dropped++
			continue
		}
		created++
	}

	if err := ig.store.CompleteLogBatch(req.BatchUUID, created, dropped); err != nil {
		ig.log.Error("complete batch failed", "batch_uuid", req.BatchUUID, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "record batch failed")
		return
	}

	metrics.BatchesReceived.WithLabelValues("accepted").Inc()
	httpx.WriteJSON(w, http.StatusOK, wire.LogsResponse{
		Success:       true,
		EventsCreated: created,
		EventsFailed:  dropped,
	})
}

// processEvent stores a classified event, enriches and scores it, and
// forwards the result to the block decider. Persisting the event always
// happens even if enrichment/scoring fails partway — events are never
// silently dropped once classified (only the score is degraded).
func (ig *Ingestor) processEvent(ctx context.Context, e *store.AuthEvent) error {
	geo, err := ig.enricher.Resolve(ctx, e.SourceIP)
	if err != nil {
		ig.log.Error("enrichment failed", "ip", e.SourceIP, "error", err)
	}
	if geo != nil {
		e.GeoIP = e.SourceIP
	}

	if _, err := ig.store.InsertAuthEvent(e); err != nil {
		return err
	}
	metrics.EventsIngested.WithLabelValues(string(e.EventType)).Inc()

	v, err := ig.extractor.ExtractForIP(e, geo)
	if err != nil {
		return err
	}
	weights := scoring.Weights{
		Rule:       ig.cfg.RuleWeight(),
		Anomaly:    ig.cfg.AnomalyWeight(),
		Reputation: ig.cfg.ReputationWeight(),
		Geographic: ig.cfg.GeographicWeight(),
	}
	result, err := ig.scorer.Score(e, v, geo, weights)
	if err != nil {
		return err
	}
	metrics.RiskScores.Observe(result.Composite)

	sidecar, err := result.ToSidecar(e.EventUUID, v)
	if err != nil {
		return err
	}
	if err := ig.store.PutAuthEventML(sidecar); err != nil {
		return err
	}

	if ig.decider != nil {
		if err := ig.decider.Decide(ctx, e, result); err != nil {
			ig.log.Error("block decision failed", "ip", e.SourceIP, "agent_id", e.AgentID, "error", err)
		}
	}
	return nil
}

// handleUFWSync implements POST /api/agents/ufw/sync: an atomic full
// swap of the agent's firewall snapshot.
func (ig *Ingestor) handleUFWSync(w http.ResponseWriter, r *http.Request) {
	var req wire.UFWSyncRequest
	if !httpx.DecodeJSON(w, r, &req) {
		return
	}
	aa := auth.AgentFromContext(r.Context())
	if aa == nil || aa.AgentID != req.AgentID {
		httpx.WriteError(w, http.StatusUnauthorized, "agent id mismatch")
		return
	}

	st := &store.AgentUFWState{
		AgentID:         req.AgentID,
		Enabled:         req.UFWData.Status == "active",
		DefaultIncoming: req.UFWData.DefaultIncoming,
		DefaultOutgoing: req.UFWData.DefaultOutgoing,
		LoggingLevel:    req.UFWData.LoggingLevel,
	}
	for _, rule := range req.UFWData.Rules {
		st.Rules = append(st.Rules, store.UFWRule{
			Number:    rule.Number,
			Action:    rule.Action,
			Direction: rule.Direction,
			From:      rule.FromIP,
			Protocol:  rule.Protocol,
			Comment:   rule.Comment,
		})
	}
	for _, p := range req.UFWData.ListeningPorts {
		st.ListeningPorts = append(st.ListeningPorts, store.ListeningPort{
			Port:     p.Port,
			Protocol: p.Protocol,
			Process:  p.Process,
		})
	}
	if err := ig.store.PutUFWState(st); err != nil {
		ig.log.Error("store ufw state failed", "agent_id", req.AgentID, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "store failed")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, wire.UFWSyncResponse{
		Success:    true,
		RulesCount: len(req.UFWData.Rules),
		UFWStatus:  req.UFWData.Status,
	})
}

// handleUFWCommands implements GET /api/agents/ufw/commands: pops every
// pending command for the agent and marks each sent, preserving
// per-agent command order (the store's ListPendingUFWCommands
// transitions pending->sent inside one transaction).
func (ig *Ingestor) handleUFWCommands(w http.ResponseWriter, r *http.Request) {
	aa := auth.AgentFromContext(r.Context())
	if aa == nil {
		httpx.WriteError(w, http.StatusUnauthorized, "missing agent auth")
		return
	}
	pending, err := ig.store.ListPendingUFWCommands(aa.AgentID)
	if err != nil {
		ig.log.Error("list pending commands failed", "agent_id", aa.AgentID, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "list failed")
		return
	}

	out := make([]wire.AgentCommandWire, 0, len(pending))
	for _, c := range pending {
		var params wire.CommandParams
		if len(c.Params) > 0 {
			_ = json.Unmarshal(c.Params, &params)
		}
		out = append(out, wire.AgentCommandWire{
			ID:        c.CommandUUID,
			Type:      wire.CommandType(c.Type),
			Params:    params,
			CreatedAt: c.CreatedAt,
		})
		metrics.CommandsDispatched.WithLabelValues(c.Type).Inc()
	}
	httpx.WriteJSON(w, http.StatusOK, wire.CommandsResponse{Commands: out})
}

// handleCommandResult implements POST /api/agents/firewall/command-result.
// A result for an unknown command_uuid is accepted and logged, not
// rejected — the agent already ran the command and has no useful way
// to retry a result report.
func (ig *Ingestor) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	var req wire.CommandResultRequest
	if !httpx.DecodeJSON(w, r, &req) {
		return
	}
	aa := auth.AgentFromContext(r.Context())
	if aa == nil || aa.AgentID != req.AgentID {
		httpx.WriteError(w, http.StatusUnauthorized, "agent id mismatch")
		return
	}

	status := store.CommandStatusCompleted
	outcome := "completed"
	if !req.Success {
		status = store.CommandStatusFailed
		outcome = "failed"
	}
	if err := ig.store.RecordCommandResult(req.AgentID, req.CommandID, status, req.Message); err != nil {
		// Unknown uuid or invalid transition: logged, not surfaced as an
		// error to the agent, which has no useful recovery action.
		ig.log.Info("command result not applied", "command_id", req.CommandID, "error", err)
	}
	metrics.CommandResults.WithLabelValues(outcome).Inc()
	httpx.WriteJSON(w, http.StatusOK, wire.CommandResultResponse{Success: true})
}

func (ig *Ingestor) acquireSlot(agentID string) bool {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	if ig.inflight[agentID] >= ig.cfg.MaxInFlightBatchesPerAgent {
		return false
	}
	ig.inflight[agentID]++
	return true
}

func (ig *Ingestor) releaseSlot(agentID string) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	ig.inflight[agentID]--
	if ig.inflight[agentID] <= 0 {
		delete(ig.inflight, agentID)
	}
}

func parseHealth(s string) store.AgentHealth {
	switch store.AgentHealth(s) {
	case store.AgentHealthHealthy, store.AgentHealthDegraded, store.AgentHealthUnhealthy:
		return store.AgentHealth(s)
	default:
		return store.AgentHealthUnknown
	}
}

// clientIP strips the port from RemoteAddr, falling back to the raw
// value if it isn't in host:port form (e.g. in tests using httptest).
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
