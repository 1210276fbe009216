// Package opsapi exposes the minimal bearer-token-authenticated JSON
// API an operator (or the out-of-scope dashboard) uses to approve
// agents and lift blocks manually.
package opsapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sshguardian/core/internal/auth"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/server/httpx"
	"github.com/sshguardian/core/internal/store"
)

// Unblocker lifts a block and drives the matching delete_deny_from
// command, implemented by *blocking.Engine.
type Unblocker interface {
	Unblock(blockID, reason string) error
}

// API wires the operator-facing admin routes.
type API struct {
	store   *store.Store
	blocker Unblocker
	log     *logging.Logger
}

// New builds an API.
func New(st *store.Store, blocker Unblocker, log *logging.Logger) *API {
	return &API{store: st, blocker: blocker, log: log}
}

// Routes mounts the admin routes behind RequireOpsToken. tokenHash is
// the SHA-256 hex digest of the configured bearer token; an empty hash
// disables the whole surface (see auth.RequireOpsToken).
func (a *API) Routes(r chi.Router, tokenHash string) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(auth.RequireOpsToken(tokenHash))
		r.Get("/agents", a.handleListAgents)
		r.Post("/agents/{id}/approve", a.handleApproveAgent)
		r.Get("/blocks", a.handleListBlocks)
		r.Post("/blocks/{id}/unblock", a.handleUnblock)
	})
}

type agentView struct {
	AgentID       string `json:"agent_id"`
	Hostname      string `json:"hostname"`
	Status        string `json:"status"`
	Health        string `json:"health"`
	IsApproved    bool   `json:"is_approved"`
	IsActive      bool   `json:"is_active"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.store.ListAgents()
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "list agents failed")
		return
	}
	out := make([]agentView, 0, len(agents))
	for _, ag := range agents {
		v := agentView{
			AgentID:    ag.AgentID,
			Hostname:   ag.Hostname,
			Status:     string(ag.Status),
			Health:     string(ag.Health),
			IsApproved: ag.IsApproved,
			IsActive:   ag.IsActive,
		}
		if !ag.LastHeartbeat.IsZero() {
			v.LastHeartbeat = ag.LastHeartbeat.Format("2006-01-02T15:04:05Z07:00")
		}
		out = append(out, v)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "agents": out})
}

func (a *API) handleApproveAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	updated, err := a.store.UpdateAgent(agentID, func(ag *store.Agent) error {
		ag.IsApproved = true
		ag.IsActive = true
		return nil
	})
	if err != nil || updated == nil {
		httpx.WriteError(w, http.StatusNotFound, "agent not found")
		return
	}
	a.log.Info("agent approved via operator api", "agent_id", agentID)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "agent_id": updated.AgentID})
}

type blockView struct {
	ID        string `json:"id"`
	IPAddress string `json:"ip_address"`
	AgentID   string `json:"agent_id"`
	Source    string `json:"source"`
	Reason    string `json:"reason"`
	IsActive  bool   `json:"is_active"`
}

func (a *API) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "agent_id query parameter is required")
		return
	}
	blocks, err := a.store.ListActiveBlocksForAgent(agentID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "list blocks failed")
		return
	}
	out := make([]blockView, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, blockView{
			ID: b.ID, IPAddress: b.IPAddress, AgentID: b.AgentID,
			Source: string(b.Source), Reason: b.Reason, IsActive: b.IsActive,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "blocks": out})
}

func (a *API) handleUnblock(w http.ResponseWriter, r *http.Request) {
	blockID := chi.URLParam(r, "id")
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&body) // empty/absent body just means no reason given
	}
	if body.Reason == "" {
		body.Reason = "manual unblock via operator api"
	}
	if err := a.blocker.Unblock(blockID, body.Reason); err != nil {
		httpx.WriteError(w, http.StatusNotFound, "block not found or already inactive")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}
