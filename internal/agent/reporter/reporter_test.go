package reporter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sshguardian/core/internal/agent/firewall"
	"github.com/sshguardian/core/internal/agent/tailer"
	"github.com/sshguardian/core/internal/config"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/wire"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) After(time.Duration) <-chan time.Time    { ch := make(chan time.Time, 1); ch <- f.now; return ch }
func (f *fakeClock) Since(t time.Time) time.Duration         { return f.now.Sub(t) }

type fakeTailer struct {
	lines      [][]string // successive Peek results
	peekCalls  int
	committed  tailer.State
	failCommit bool
}

func (f *fakeTailer) Peek(maxLines int) ([]string, tailer.State, error) {
	if f.peekCalls >= len(f.lines) {
		return nil, f.committed, nil
	}
	lines := f.lines[f.peekCalls]
	f.peekCalls++
	return lines, tailer.State{Offset: int64(f.peekCalls)}, nil
}

func (f *fakeTailer) Commit(pending tailer.State) error {
	f.committed = pending
	return nil
}

type fakeAdapter struct {
	inventory wire.UFWData
	results   map[string]firewall.Result
}

func (f *fakeAdapter) Inventory(context.Context) (wire.UFWData, error) {
	return f.inventory, nil
}

func (f *fakeAdapter) Execute(_ context.Context, cmd wire.AgentCommandWire) (firewall.Result, error) {
	if r, ok := f.results[cmd.ID]; ok {
		return r, nil
	}
	return firewall.Result{Success: true, Message: "ok"}, nil
}

type fakeClient struct {
	registerResp *wire.RegisterResponse
	registerErr  error
	logsErr      error
	logsCalls    int
	heartbeats   int
	syncs        int
	commands     []wire.AgentCommandWire
	results      []wire.CommandResultRequest
	apiKey       string
}

func (f *fakeClient) Register(context.Context, wire.RegisterRequest) (*wire.RegisterResponse, error) {
	return f.registerResp, f.registerErr
}
func (f *fakeClient) Heartbeat(context.Context, wire.HeartbeatRequest) (*wire.HeartbeatResponse, error) {
	f.heartbeats++
	return &wire.HeartbeatResponse{Success: true}, nil
}
func (f *fakeClient) SubmitLogs(context.Context, wire.LogsRequest) (*wire.LogsResponse, error) {
	f.logsCalls++
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return &wire.LogsResponse{Success: true, EventsCreated: 1}, nil
}
func (f *fakeClient) SyncFirewall(context.Context, wire.UFWSyncRequest) (*wire.UFWSyncResponse, error) {
	f.syncs++
	return &wire.UFWSyncResponse{Success: true}, nil
}
func (f *fakeClient) PollCommands(context.Context) ([]wire.AgentCommandWire, error) {
	return f.commands, nil
}
func (f *fakeClient) ReportCommandResult(_ context.Context, req wire.CommandResultRequest) (*wire.CommandResultResponse, error) {
	f.results = append(f.results, req)
	return &wire.CommandResultResponse{Success: true}, nil
}
func (f *fakeClient) SetAPIKey(key string) { f.apiKey = key }

func newTestReporter(c *fakeClient, t *fakeTailer, a *fakeAdapter) *Reporter {
	cfg := config.DefaultAgentConfig()
	cfg.AgentID = "agent-1"
	cfg.APIKey = "already-registered"
	return New(cfg, "", c, t, a, &fakeClock{now: time.Unix(1000, 0)}, logging.New(false))
}

func TestSubmitLogsCommitsOnlyAfterSuccessfulSubmission(t *testing.T) {
	tl := &fakeTailer{lines: [][]string{{"line 1", "line 2"}}}
	c := &fakeClient{}
	r := newTestReporter(c, tl, &fakeAdapter{})

	r.submitLogs(context.Background())

	require.Equal(t, 1, c.logsCalls)
	require.Equal(t, int64(1), tl.committed.Offset)
}

func TestSubmitLogsLeavesPositionUncommittedOnFailure(t *testing.T) {
	tl := &fakeTailer{lines: [][]string{{"line 1"}}}
	c := &fakeClient{logsErr: context.DeadlineExceeded}
	r := newTestReporter(c, tl, &fakeAdapter{})

	r.submitLogs(context.Background())

	require.Equal(t, 1, c.logsCalls)
	require.Equal(t, int64(0), tl.committed.Offset)
}

func TestSubmitLogsDrainsMultipleSlices(t *testing.T) {
	tl := &fakeTailer{lines: [][]string{{"a"}, {"b"}}}
	c := &fakeClient{}
	r := newTestReporter(c, tl, &fakeAdapter{})
	r.cfg.BatchSize = 1

	r.submitLogs(context.Background())

	require.Equal(t, 2, c.logsCalls)
	require.Equal(t, int64(2), tl.committed.Offset)
}

func TestTickSendsHeartbeatAndSyncWhenDue(t *testing.T) {
	c := &fakeClient{}
	r := newTestReporter(c, &fakeTailer{}, &fakeAdapter{})
	r.cfg.FirewallEnabled = false

	r.tick(context.Background())

	require.Equal(t, 1, c.heartbeats)
	require.Equal(t, 1, c.syncs)
}

func TestTickSkipsHeartbeatWhenNotDue(t *testing.T) {
	c := &fakeClient{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	cfg := config.DefaultAgentConfig()
	cfg.AgentID = "agent-1"
	cfg.APIKey = "already-registered"
	r := New(cfg, "", c, &fakeTailer{}, &fakeAdapter{}, clk, logging.New(false))
	r.cfg.FirewallEnabled = false
	r.lastHeartbeat = clk.now
	r.lastFWSync = clk.now

	r.tick(context.Background())

	require.Equal(t, 0, c.heartbeats)
	require.Equal(t, 0, c.syncs)
}

func TestTickPollsAndExecutesCommandsWhenFirewallEnabled(t *testing.T) {
	c := &fakeClient{commands: []wire.AgentCommandWire{{ID: "cmd-1", Type: wire.CommandEnable}}}
	r := newTestReporter(c, &fakeTailer{}, &fakeAdapter{})
	r.cfg.FirewallEnabled = true

	r.tick(context.Background())

	require.Len(t, c.results, 1)
	require.Equal(t, "cmd-1", c.results[0].CommandID)
	require.True(t, c.results[0].Success)
}

func TestTickRegistersWhenNoAPIKeyAndStopsIfItFails(t *testing.T) {
	c := &fakeClient{registerErr: context.DeadlineExceeded}
	cfg := config.DefaultAgentConfig()
	cfg.AgentID = "agent-1"
	r := New(cfg, "", c, &fakeTailer{}, &fakeAdapter{}, &fakeClock{now: time.Unix(1000, 0)}, logging.New(false))

	r.tick(context.Background())

	require.Equal(t, 0, c.heartbeats)
	require.Equal(t, 0, c.syncs)
}

func TestTickRegistersAndPersistsAPIKey(t *testing.T) {
	c := &fakeClient{registerResp: &wire.RegisterResponse{Success: true, APIKey: "new-key"}}
	cfg := config.DefaultAgentConfig()
	cfg.AgentID = "agent-1"
	r := New(cfg, "", c, &fakeTailer{}, &fakeAdapter{}, &fakeClock{now: time.Unix(1000, 0)}, logging.New(false))
	r.cfg.FirewallEnabled = false

	r.tick(context.Background())

	require.Equal(t, "new-key", cfg.APIKey)
	require.Equal(t, "new-key", c.apiKey)
	require.Equal(t, 1, c.heartbeats)
}
