// Package blocking translates a scored auth event into at most one
// IPBlock and a corresponding AgentUFWCommand. It owns
// the per-(ip, agent) fingerprint lock that gives the rest of the
// pipeline its at-most-one-concurrent-block guarantee.
package blocking

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sshguardian/core/internal/config"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/metrics"
	"github.com/sshguardian/core/internal/server/notify"
	"github.com/sshguardian/core/internal/server/scoring"
	"github.com/sshguardian/core/internal/store"
	"github.com/sshguardian/core/internal/wire"
)

// defaultHighBlockDuration is the fallback block length for the High
// risk band when no matched rule specifies one: a temporary block,
// defaulting to 60 minutes.
const defaultHighBlockDuration = 60 * time.Minute

// fingerprintStripes is the shard count for the per-(ip,agent) lock.
// A fixed stripe count bounds memory regardless of how many distinct
// IPs are ever seen, at the cost of occasional unrelated IPs sharing a
// lock — an acceptable trade for a coarse-grained admission guard.
const fingerprintStripes = 256

// fingerprintLock serializes block-emission by (ip, agent) fingerprint,
// enforcing at most one block-emission code path per (ip, agent) pair
// without a database-level advisory lock.
type fingerprintLock struct {
	shards [fingerprintStripes]sync.Mutex
}

func (l *fingerprintLock) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	shard := &l.shards[h.Sum32()%fingerprintStripes]
	shard.Lock()
	return shard.Unlock
}

// Engine is the blocking decision engine, satisfying
// ingestor.BlockDecider.
type Engine struct {
	store    *store.Store
	cfg      *config.ServerConfig
	notifier *notify.Multi
	log      *logging.Logger
	locks    fingerprintLock
}

// New builds an Engine. notifier may be nil (no dispatch).
func New(st *store.Store, cfg *config.ServerConfig, notifier *notify.Multi, log *logging.Logger) *Engine {
	return &Engine{store: st, cfg: cfg, notifier: notifier, log: log}
}

// Decide implements ingestor.BlockDecider.
func (e *Engine) Decide(ctx context.Context, ev *store.AuthEvent, result scoring.Result) error {
	band := result.Band
	if band == scoring.BandLow || band == scoring.BandMedium {
		if band == scoring.BandMedium {
			e.notify(ctx, notify.Event{
				Type:      notify.EventCriticalRisk,
				IP:        ev.SourceIP,
				AgentID:   ev.AgentID,
				RiskBand:  string(band),
				RiskScore: result.Composite,
				Reason:    "alert only: medium risk band",
				Timestamp: time.Now().UTC(),
			})
		}
		return nil
	}

	source := store.BlockSourceRule
	var ruleID string
	if len(result.MatchedRuleIDs) > 0 {
		ruleID = result.MatchedRuleIDs[0]
	} else {
		source = store.BlockSourceML
		normalized := result.Composite / 100
		if normalized < e.cfg.MLEmitThreshold() {
			return nil // below the configured ML-emit threshold: skip
		}
	}

	unlock := e.locks.lock(ev.SourceIP + "|" + ev.AgentID)
	defer unlock()

	existing, err := e.store.GetActiveBlock(ev.SourceIP, ev.AgentID)
	if err != nil {
		return fmt.Errorf("check active block: %w", err)
	}

	duration, autoUnblock := e.durationForBand(band, ruleID)
	now := time.Now().UTC()
	var unblockAt *time.Time
	if duration > 0 {
		t := now.Add(duration)
		unblockAt = &t
	}

	if existing != nil {
		// A repeat event whose duration is no longer than the existing
		// block's own duration does not extend it.
		if duration > 0 && existing.UnblockAt != nil && duration <= existing.UnblockAt.Sub(existing.BlockedAt) {
			return nil
		}
		return e.maybeExtend(ctx, existing, unblockAt, ruleID)
	}

	blk := &store.IPBlock{
		ID:                uuid.NewString(),
		IPAddress:         ev.SourceIP,
		Reason:            fmt.Sprintf("%s band, dominant layer %s", band, result.DominantLayer),
		Source:            source,
		TriggeringRuleID:  ruleID,
		TriggeringEventID: ev.EventUUID,
		AgentID:           ev.AgentID,
		AutoUnblock:       autoUnblock,
		BlockedAt:         now,
		UnblockAt:         unblockAt,
	}

	created, existingRace, err := e.store.CreateBlockIfAbsent(blk)
	if err != nil {
		return fmt.Errorf("create block: %w", err)
	}
	if !created {
		// Another goroutine won the race between our GetActiveBlock read
		// and this conditional insert; treat like the idempotent path.
		return e.maybeExtend(ctx, existingRace, unblockAt, ruleID)
	}

	if err := e.emitDenyCommand(blk); err != nil {
		return fmt.Errorf("emit deny command: %w", err)
	}
	metrics.BlocksCreated.WithLabelValues(string(source)).Inc()

	e.notify(ctx, notify.Event{
		Type:      notify.EventIPBlocked,
		IP:        blk.IPAddress,
		AgentID:   blk.AgentID,
		RiskBand:  string(band),
		RiskScore: result.Composite,
		Reason:    blk.Reason,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// maybeExtend implements the "if the new event would extend duration,
// update unblock_at and append an extend action" branch of the
// re-scoring path. A permanent block (unblockAt nil, duration 0) is
// never extended further, a nil newUnblockAt turns a temporary block
// permanent, and a later newUnblockAt never shortens an existing block.
func (e *Engine) maybeExtend(_ context.Context, blk *store.IPBlock, newUnblockAt *time.Time, ruleID string) error {
	if blk.UnblockAt == nil {
		return nil // already permanent
	}
	if newUnblockAt != nil && !newUnblockAt.After(*blk.UnblockAt) {
		return nil
	}
	if _, err := e.store.ExtendBlock(blk.ID, newUnblockAt); err != nil {
		return fmt.Errorf("extend block: %w", err)
	}
	return e.store.AppendBlockingAction(&store.BlockingAction{
		ID:         uuid.NewString(),
		BlockID:    blk.ID,
		AgentID:    blk.AgentID,
		IPAddress:  blk.IPAddress,
		ActionType: store.ActionExtend,
		RuleID:     ruleID,
	})
}

// emitDenyCommand enqueues the deny_from command and its audit row. The
// command UUID is reused as the action UUID so edge acknowledgments
// join back to this action without a separate join table.
func (e *Engine) emitDenyCommand(blk *store.IPBlock) error {
	params, err := json.Marshal(wire.CommandParams{IP: blk.IPAddress, BlockID: blk.ID})
	if err != nil {
		return err
	}
	cmdUUID := uuid.NewString()
	if err := e.store.EnqueueUFWCommand(&store.AgentUFWCommand{
		CommandUUID: cmdUUID,
		AgentID:     blk.AgentID,
		BlockID:     blk.ID,
		Type:        string(wire.CommandDenyFrom),
		Params:      params,
	}); err != nil {
		return err
	}
	return e.store.AppendBlockingAction(&store.BlockingAction{
		ID:          uuid.NewString(),
		BlockID:     blk.ID,
		AgentID:     blk.AgentID,
		IPAddress:   blk.IPAddress,
		ActionType:  store.ActionBlock,
		Reason:      blk.Reason,
		RuleID:      blk.TriggeringRuleID,
		CommandUUID: cmdUUID,
	})
}

// Unblock deactivates an active block and enqueues delete_deny_from,
// used by both the auto-unblock sweeper and the operator API's manual
// unblock path. reason is recorded on the IPBlock and the audit row.
func (e *Engine) Unblock(blockID, reason string) error {
	unlock := e.locks.lock(blockID)
	defer unlock()

	blk, err := e.store.DeactivateBlock(blockID, reason)
	if err != nil {
		return fmt.Errorf("deactivate block: %w", err)
	}

	params, err := json.Marshal(wire.CommandParams{IP: blk.IPAddress, BlockID: blk.ID})
	if err != nil {
		return err
	}
	cmdUUID := uuid.NewString()
	if err := e.store.EnqueueUFWCommand(&store.AgentUFWCommand{
		CommandUUID: cmdUUID,
		AgentID:     blk.AgentID,
		BlockID:     blk.ID,
		Type:        string(wire.CommandDeleteDenyFrom),
		Params:      params,
	}); err != nil {
		return err
	}
	if err := e.store.AppendBlockingAction(&store.BlockingAction{
		ID:          uuid.NewString(),
		BlockID:     blk.ID,
		AgentID:     blk.AgentID,
		IPAddress:   blk.IPAddress,
		ActionType:  store.ActionUnblock,
		Reason:      reason,
		CommandUUID: cmdUUID,
	}); err != nil {
		return err
	}
	metrics.BlocksLifted.WithLabelValues(reason).Inc()

	e.notify(context.Background(), notify.Event{
		Type:      notify.EventIPUnblocked,
		IP:        blk.IPAddress,
		AgentID:   blk.AgentID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// durationForBand returns the block duration and auto-unblock flag for
// a risk band, consulting the matched rule (if any) first and falling
// back to the band's default action table.
func (e *Engine) durationForBand(band scoring.RiskBand, ruleID string) (time.Duration, bool) {
	if ruleID != "" {
		if rule, err := e.ruleByID(ruleID); err == nil && rule != nil {
			return rule.BlockDuration, rule.AutoUnblock
		}
	}
	switch band {
	case scoring.BandCritical:
		return 0, false // permanent unless a rule says otherwise
	default: // High
		return defaultHighBlockDuration, true
	}
}

func (e *Engine) ruleByID(id string) (*store.BlockingRule, error) {
	rules, err := e.store.ListAllBlockingRules()
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (e *Engine) notify(ctx context.Context, ev notify.Event) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, ev)
}
