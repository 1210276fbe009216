// Package sweeper runs the background maintenance jobs that keep the
// server's view of the fleet honest: marking unresponsive agents
// disconnected, lifting expired blocks, pruning retained history, and
// triggering the reconciler.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sshguardian/core/internal/config"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/metrics"
	"github.com/sshguardian/core/internal/server/reconciler"
	"github.com/sshguardian/core/internal/store"
)

// Unblocker is the subset of blocking.Engine the sweeper needs, kept
// narrow so tests can supply a stub without a real Engine.
type Unblocker interface {
	Unblock(blockID, reason string) error
}

// Sweeper owns a cron.Cron instance scheduling the four maintenance
// jobs named in the server config's cron fields.
type Sweeper struct {
	store      *store.Store
	cfg        *config.ServerConfig
	blocker    Unblocker
	reconciler *reconciler.Reconciler
	log        *logging.Logger
	cron       *cron.Cron
}

// New builds a Sweeper. It does not start any job until Start is called.
func New(st *store.Store, cfg *config.ServerConfig, blocker Unblocker, rec *reconciler.Reconciler, log *logging.Logger) *Sweeper {
	return &Sweeper{
		store:      st,
		cfg:        cfg,
		blocker:    blocker,
		reconciler: rec,
		log:        log,
		cron:       cron.New(),
	}
}

// Start registers all four jobs and starts the cron scheduler's internal
// goroutine. It returns an error if any configured cron expression fails
// to parse.
func (s *Sweeper) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		expr string
		fn   func(context.Context)
	}{
		{"disconnect-sweep", s.cfg.DisconnectSweepCron, s.sweepDisconnected},
		{"unblock-sweep", s.cfg.UnblockSweepCron, s.sweepExpiredBlocks},
		{"retention-sweep", s.cfg.RetentionSweepCron, s.sweepRetention},
		{"reconcile", s.cfg.ReconcileCron, s.runReconcile},
	}
	for _, j := range jobs {
		fn := j.fn
		name := j.name
		if _, err := s.cron.AddFunc(j.expr, func() {
			if s.cfg.SweepsPaused() {
				s.log.Info("sweep skipped, sweeps paused", "job", name)
				return
			}
			fn(ctx)
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any running job to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// sweepDisconnected transitions agents whose last heartbeat is at
// least 3x the configured heartbeat interval old to disconnected,
// within one sweep interval of crossing that threshold.
func (s *Sweeper) sweepDisconnected(_ context.Context) {
	agents, err := s.store.ListAgents()
	if err != nil {
		s.log.Error("disconnect sweep: list agents failed", "error", err)
		return
	}
	threshold := 3 * s.cfg.HeartbeatIntervalDefault
	now := time.Now().UTC()
	for _, a := range agents {
		if a.Status == store.AgentStatusDisconnected || a.Status == store.AgentStatusPending {
			continue
		}
		if a.LastHeartbeat.IsZero() || now.Sub(a.LastHeartbeat) < threshold {
			continue
		}
		if _, err := s.store.UpdateAgent(a.AgentID, func(agent *store.Agent) error {
			agent.Status = store.AgentStatusDisconnected
			return nil
		}); err != nil {
			s.log.Error("disconnect sweep: update agent failed", "agent_id", a.AgentID, "error", err)
			continue
		}
		metrics.AgentsDisconnected.Inc()
		s.log.Info("agent marked disconnected", "agent_id", a.AgentID, "last_heartbeat", a.LastHeartbeat)
	}
}

// sweepExpiredBlocks lifts every active, auto-unblockable block whose
// unblock_at has passed.
func (s *Sweeper) sweepExpiredBlocks(_ context.Context) {
	due, err := s.store.ListActiveBlocksDueForUnblock(time.Now().UTC())
	if err != nil {
		s.log.Error("unblock sweep: list failed", "error", err)
		return
	}
	for _, blk := range due {
		if err := s.blocker.Unblock(blk.ID, "auto: unblock_at reached"); err != nil {
			s.log.Error("unblock sweep: unblock failed", "block_id", blk.ID, "error", err)
		}
	}
}

// sweepRetention prunes heartbeats and log batches older than the
// configured retention windows.
func (s *Sweeper) sweepRetention(_ context.Context) {
	now := time.Now().UTC()
	if n, err := s.store.PruneHeartbeatsOlderThan(now.Add(-s.cfg.HeartbeatRetention)); err != nil {
		s.log.Error("retention sweep: prune heartbeats failed", "error", err)
	} else if n > 0 {
		s.log.Info("retention sweep: pruned heartbeats", "count", n)
	}
	if n, err := s.store.PruneLogBatchesOlderThan(now.Add(-s.cfg.BatchRetention)); err != nil {
		s.log.Error("retention sweep: prune log batches failed", "error", err)
	} else if n > 0 {
		s.log.Info("retention sweep: pruned log batches", "count", n)
	}
}

func (s *Sweeper) runReconcile(ctx context.Context) {
	drift, err := s.reconciler.Run(ctx)
	if err != nil {
		s.log.Error("reconcile sweep failed", "error", err)
		return
	}
	if drift > 0 {
		s.log.Info("reconcile sweep found drift", "count", drift)
	}
}
