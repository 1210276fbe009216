// Package reporter implements the agent's cooperative reporting loop:
// a single goroutine that, on each check-interval tick, tails new auth
// log lines and submits them in batches, sends a heartbeat and a
// firewall inventory sync when their own intervals have elapsed, and
// polls for pending firewall commands to execute. The loop is a
// select-over-timer shape, cooperatively exiting on ctx.Done().
package reporter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sshguardian/core/internal/agent/firewall"
	"github.com/sshguardian/core/internal/agent/hostmetrics"
	"github.com/sshguardian/core/internal/agent/tailer"
	"github.com/sshguardian/core/internal/clock"
	"github.com/sshguardian/core/internal/config"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/wire"
)

// Client is the subset of *client.Client the reporter drives, kept as
// an interface so tests can substitute a stub.
type Client interface {
	Register(ctx context.Context, req wire.RegisterRequest) (*wire.RegisterResponse, error)
	Heartbeat(ctx context.Context, req wire.HeartbeatRequest) (*wire.HeartbeatResponse, error)
	SubmitLogs(ctx context.Context, req wire.LogsRequest) (*wire.LogsResponse, error)
	SyncFirewall(ctx context.Context, req wire.UFWSyncRequest) (*wire.UFWSyncResponse, error)
	PollCommands(ctx context.Context) ([]wire.AgentCommandWire, error)
	ReportCommandResult(ctx context.Context, req wire.CommandResultRequest) (*wire.CommandResultResponse, error)
	SetAPIKey(key string)
}

// Tailer is the subset of *tailer.Tailer the reporter drives.
type Tailer interface {
	Peek(maxLines int) ([]string, tailer.State, error)
	Commit(pending tailer.State) error
}

// Reporter runs the cooperative reporting loop tying the tailer,
// firewall adapter, host metrics sampler, and HTTP client together.
type Reporter struct {
	cfg      *config.AgentConfig
	cfgPath  string
	client   Client
	tail     Tailer
	fw       firewall.Adapter
	clk      clock.Clock
	log      *logging.Logger
	resetCh  chan struct{}

	lastHeartbeat time.Time
	lastFWSync    time.Time
}

// New builds a Reporter. cfgPath is where cfg should be rewritten after
// a successful registration assigns a fresh API key; pass "" to skip
// persisting it back (e.g. in tests).
func New(cfg *config.AgentConfig, cfgPath string, c Client, t Tailer, fw firewall.Adapter, clk clock.Clock, log *logging.Logger) *Reporter {
	return &Reporter{
		cfg:     cfg,
		cfgPath: cfgPath,
		client:  c,
		tail:    t,
		fw:      fw,
		clk:     clk,
		log:     log,
		resetCh: make(chan struct{}, 1),
	}
}

// Run registers the agent (if it has no API key yet) and then runs the
// reporting loop until ctx is cancelled. Registration failure is logged
// and does not prevent the loop from starting: an unregistered agent
// simply retries registration on its next tick rather than exiting.
func (r *Reporter) Run(ctx context.Context) error {
	if r.cfg.APIKey == "" {
		r.register(ctx)
	}

	for {
		select {
		case <-r.clk.After(r.cfg.CheckInterval):
			r.tick(ctx)
		case <-r.resetCh:
			r.log.Info("check interval changed, resetting timer", "interval", r.cfg.CheckInterval)
		case <-ctx.Done():
			r.log.Info("reporter stopped")
			return nil
		}
	}
}

// SetCheckInterval updates the tick interval at runtime and wakes the
// loop so the new interval takes effect immediately rather than after
// the old one elapses.
func (r *Reporter) SetCheckInterval(d time.Duration) {
	r.cfg.CheckInterval = d
	select {
	case r.resetCh <- struct{}{}:
	default:
	}
}

func (r *Reporter) tick(ctx context.Context) {
	if r.cfg.APIKey == "" {
		r.register(ctx)
		if r.cfg.APIKey == "" {
			return // still unregistered; nothing else can succeed without a key
		}
	}

	r.submitLogs(ctx)

	now := r.clk.Now()
	if now.Sub(r.lastHeartbeat) >= r.cfg.HeartbeatInterval {
		r.sendHeartbeat(ctx)
	}
	if now.Sub(r.lastFWSync) >= r.cfg.FirewallSyncInterval {
		r.syncFirewall(ctx)
	}
	if r.cfg.FirewallEnabled {
		r.pollAndExecute(ctx)
	}
}

func (r *Reporter) register(ctx context.Context) {
	resp, err := r.client.Register(ctx, wire.RegisterRequest{
		AgentID:              r.cfg.AgentID,
		Hostname:             r.cfg.Hostname,
		HeartbeatIntervalSec: int(r.cfg.HeartbeatInterval.Seconds()),
	})
	if err != nil {
		r.log.Warn("agent registration failed, will retry next tick", "error", err)
		return
	}
	if !resp.Success {
		r.log.Warn("agent registration rejected", "message", resp.Message)
		return
	}
	if resp.APIKey != "" {
		r.cfg.APIKey = resp.APIKey
		r.client.SetAPIKey(resp.APIKey)
		if r.cfgPath != "" {
			if err := r.cfg.Save(r.cfgPath); err != nil {
				r.log.Warn("failed to persist registration api key", "error", err)
			}
		}
	}
	r.log.Info("agent registered")
}

// submitLogs peeks new lines in batch_size slices and submits each one
// to the server, committing the tailer's position after each successful
// slice. A failure mid-tick leaves the tailer's persisted position at
// the last successfully submitted slice boundary: the next tick
// re-reads from that saved offset rather than losing or re-sending
// already-acknowledged lines.
func (r *Reporter) submitLogs(ctx context.Context) {
	for {
		lines, pending, err := r.tail.Peek(r.cfg.BatchSize)
		if err != nil {
			r.log.Warn("tail failed", "error", err)
			return
		}
		if len(lines) == 0 {
			return
		}

		resp, err := r.client.SubmitLogs(ctx, wire.LogsRequest{
			BatchUUID:      uuid.NewString(),
			AgentID:        r.cfg.AgentID,
			Hostname:       r.cfg.Hostname,
			LogLines:       lines,
			BatchSize:      len(lines),
			SourceFilename: r.cfg.AuthLogPath,
		})
		if err != nil {
			r.log.Warn("submit logs failed, position not advanced", "error", err)
			return
		}
		if !resp.Success {
			r.log.Warn("server rejected log batch, position not advanced", "error", resp.Error)
			return
		}

		if err := r.tail.Commit(pending); err != nil {
			r.log.Warn("failed to persist tail position after successful submit", "error", err)
			return
		}

		if len(lines) < r.cfg.BatchSize {
			return // drained the backlog
		}
	}
}

func (r *Reporter) sendHeartbeat(ctx context.Context) {
	metrics, err := hostmetrics.Sample(ctx)
	if err != nil {
		r.log.Warn("host metrics sample failed", "error", err)
	}
	_, err = r.client.Heartbeat(ctx, wire.HeartbeatRequest{
		AgentID:      r.cfg.AgentID,
		Metrics:      metrics,
		Status:       "online",
		HealthStatus: hostmetrics.HealthTag(metrics),
	})
	if err != nil {
		r.log.Warn("heartbeat failed", "error", err)
		return
	}
	r.lastHeartbeat = r.clk.Now()
}

func (r *Reporter) syncFirewall(ctx context.Context) {
	data, err := r.fw.Inventory(ctx)
	if err != nil {
		r.log.Warn("firewall inventory failed", "error", err)
		return
	}
	_, err = r.client.SyncFirewall(ctx, wire.UFWSyncRequest{
		AgentID:     r.cfg.AgentID,
		Hostname:    r.cfg.Hostname,
		UFWData:     data,
		SubmittedAt: r.clk.Now(),
	})
	if err != nil {
		r.log.Warn("firewall sync failed", "error", err)
		return
	}
	r.lastFWSync = r.clk.Now()
}

func (r *Reporter) pollAndExecute(ctx context.Context) {
	cmds, err := r.client.PollCommands(ctx)
	if err != nil {
		r.log.Warn("poll commands failed", "error", err)
		return
	}
	for _, cmd := range cmds {
		result, err := r.fw.Execute(ctx, cmd)
		if err != nil {
			r.log.Warn("command execution rejected", "command_id", cmd.ID, "error", err)
			result = firewall.Result{Success: false, Message: fmt.Sprintf("not executed: %v", err)}
		}
		_, err = r.client.ReportCommandResult(ctx, wire.CommandResultRequest{
			AgentID:    r.cfg.AgentID,
			CommandID:  cmd.ID,
			Success:    result.Success,
			Message:    result.Message,
			ExecutedAt: r.clk.Now(),
		})
		if err != nil {
			r.log.Warn("reporting command result failed", "command_id", cmd.ID, "error", err)
		}
	}
}
