// Package reconciler periodically diffs each agent's last-reported ufw
// inventory against the server's ip_blocks table and repairs drift in
// either direction: blocks missing from the firewall are re-sent, and
// deny rules present on the firewall with no matching active block are
// adopted as new server-side blocks.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sshguardian/core/internal/config"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/metrics"
	"github.com/sshguardian/core/internal/store"
	"github.com/sshguardian/core/internal/wire"
)

// Reconciler compares IPBlock state against the last AgentUFWState
// snapshot reported by each agent's ufw/sync call.
type Reconciler struct {
	store *store.Store
	cfg   *config.ServerConfig
	log   *logging.Logger
}

// New builds a Reconciler.
func New(st *store.Store, cfg *config.ServerConfig, log *logging.Logger) *Reconciler {
	return &Reconciler{store: st, cfg: cfg, log: log}
}

// Run diffs every registered agent's firewall snapshot against its
// active blocks and returns the number of drifted (ip, agent) pairs
// found, which the caller (the sweeper) reports as a gauge.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	agents, err := r.store.ListAgents()
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}

	drift := 0
	for _, a := range agents {
		if ctx.Err() != nil {
			return drift, ctx.Err()
		}
		n, err := r.reconcileAgent(a.AgentID)
		if err != nil {
			r.log.Error("reconcile agent failed", "agent_id", a.AgentID, "error", err)
			continue
		}
		drift += n
	}
	metrics.ReconcileDrift.Set(float64(drift))
	return drift, nil
}

func (r *Reconciler) reconcileAgent(agentID string) (int, error) {
	ufwState, err := r.store.GetUFWState(agentID)
	if err != nil {
		return 0, fmt.Errorf("get ufw state: %w", err)
	}
	activeBlocks, err := r.store.ListActiveBlocksForAgent(agentID)
	if err != nil {
		return 0, fmt.Errorf("list active blocks: %w", err)
	}

	edgeDenied := map[string]bool{}
	if ufwState != nil {
		for _, rule := range ufwState.Rules {
			if isDenyRule(rule) {
				edgeDenied[rule.From] = true
			}
		}
	}

	blockedByIP := make(map[string]*store.IPBlock, len(activeBlocks))
	for _, blk := range activeBlocks {
		blockedByIP[blk.IPAddress] = blk
	}

	drift := 0

	// Edge has a deny rule the server doesn't know about: adopt it.
	for ip := range edgeDenied {
		if _, known := blockedByIP[ip]; known {
			continue
		}
		drift++
		blk := &store.IPBlock{
			ID:          uuid.NewString(),
			IPAddress:   ip,
			Reason:      "discovered via ufw/sync reconciliation",
			Source:      store.BlockSourceUFW,
			BlockType:   "reconciled",
			AgentID:     agentID,
			AutoUnblock: false,
		}
		if _, _, err := r.store.CreateBlockIfAbsent(blk); err != nil {
			r.log.Error("reconcile adopt block failed", "agent_id", agentID, "ip", ip, "error", err)
			continue
		}
		_ = r.store.AppendBlockingAction(&store.BlockingAction{
			ID:         uuid.NewString(),
			BlockID:    blk.ID,
			AgentID:    agentID,
			IPAddress:  ip,
			ActionType: store.ActionReconcileAdd,
			Reason:     blk.Reason,
		})
	}

	// Server has an active block the edge no longer enforces.
	now := time.Now().UTC()
	for ip, blk := range blockedByIP {
		if edgeDenied[ip] {
			continue
		}
		drift++
		if !blk.LastReconcileAttempt.IsZero() && now.Sub(blk.LastReconcileAttempt) < r.cfg.ReconcileRetryAfter {
			continue
		}
		if err := r.reenqueueDeny(blk); err != nil {
			r.log.Error("reconcile re-enqueue failed", "agent_id", agentID, "ip", ip, "error", err)
			continue
		}
		if err := r.store.TouchReconcileAttempt(blk.ID, now); err != nil {
			r.log.Error("touch reconcile attempt failed", "block_id", blk.ID, "error", err)
		}
	}

	return drift, nil
}

func (r *Reconciler) reenqueueDeny(blk *store.IPBlock) error {
	params, err := json.Marshal(wire.CommandParams{IP: blk.IPAddress, BlockID: blk.ID})
	if err != nil {
		return err
	}
	cmdUUID := uuid.NewString()
	if err := r.store.EnqueueUFWCommand(&store.AgentUFWCommand{
		CommandUUID: cmdUUID,
		AgentID:     blk.AgentID,
		BlockID:     blk.ID,
		Type:        string(wire.CommandDenyFrom),
		Params:      params,
	}); err != nil {
		return err
	}
	return r.store.AppendBlockingAction(&store.BlockingAction{
		ID:          uuid.NewString(),
		BlockID:     blk.ID,
		AgentID:     blk.AgentID,
		IPAddress:   blk.IPAddress,
		ActionType:  store.ActionReconcileAdd,
		Reason:      "re-enqueued deny_from: edge drifted out of sync",
		CommandUUID: cmdUUID,
	})
}

// isDenyRule reports whether a reported ufw rule denies or rejects
// inbound traffic from a specific source, as opposed to an allow rule
// or a deny rule with no specific source (e.g. a default policy line).
func isDenyRule(rule store.UFWRule) bool {
	if rule.Direction != "" && rule.Direction != "IN" {
		return false
	}
	switch rule.Action {
	case "DENY", "REJECT":
	default:
		return false
	}
	return rule.From != "" && rule.From != "Anywhere"
}
