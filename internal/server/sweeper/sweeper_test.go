package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sshguardian/core/internal/config"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/server/reconciler"
	"github.com/sshguardian/core/internal/store"
)

type recordingUnblocker struct {
	unblocked []string
}

func (u *recordingUnblocker) Unblock(blockID, _ string) error {
	u.unblocked = append(u.unblocked, blockID)
	return nil
}

func newTestSweeper(t *testing.T, blocker Unblocker) (*Sweeper, *store.Store, *config.ServerConfig) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sweeper-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.NewTestServerConfig()
	log := logging.New(false)
	rec := reconciler.New(st, cfg, log)
	return New(st, cfg, blocker, rec, log), st, cfg
}

func TestSweepDisconnected_MarksStaleAgentsDisconnected(t *testing.T) {
	s, st, cfg := newTestSweeper(t, &recordingUnblocker{})
	cfg.HeartbeatIntervalDefault = 10 * time.Second

	require.NoError(t, st.PutAgent(&store.Agent{
		AgentID:       "stale-agent",
		Status:        store.AgentStatusActive,
		LastHeartbeat: time.Now().UTC().Add(-time.Hour),
	}))
	require.NoError(t, st.PutAgent(&store.Agent{
		AgentID:       "fresh-agent",
		Status:        store.AgentStatusActive,
		LastHeartbeat: time.Now().UTC(),
	}))

	s.sweepDisconnected(context.Background())

	stale, err := st.GetAgent("stale-agent")
	require.NoError(t, err)
	require.Equal(t, store.AgentStatusDisconnected, stale.Status)

	fresh, err := st.GetAgent("fresh-agent")
	require.NoError(t, err)
	require.Equal(t, store.AgentStatusActive, fresh.Status)
}

func TestSweepDisconnected_IgnoresPendingAgents(t *testing.T) {
	s, st, cfg := newTestSweeper(t, &recordingUnblocker{})
	cfg.HeartbeatIntervalDefault = 10 * time.Second

	require.NoError(t, st.PutAgent(&store.Agent{
		AgentID: "never-approved",
		Status:  store.AgentStatusPending,
	}))

	s.sweepDisconnected(context.Background())

	a, err := st.GetAgent("never-approved")
	require.NoError(t, err)
	require.Equal(t, store.AgentStatusPending, a.Status)
}

func TestSweepExpiredBlocks_UnblocksDueBlocks(t *testing.T) {
	blocker := &recordingUnblocker{}
	s, st, _ := newTestSweeper(t, blocker)

	past := time.Now().UTC().Add(-time.Minute)
	_, _, err := st.CreateBlockIfAbsent(&store.IPBlock{
		ID: "blk-due", IPAddress: "203.0.113.80", AgentID: "agent-1",
		Source: store.BlockSourceRule, AutoUnblock: true, UnblockAt: &past,
	})
	require.NoError(t, err)

	future := time.Now().UTC().Add(time.Hour)
	_, _, err = st.CreateBlockIfAbsent(&store.IPBlock{
		ID: "blk-not-due", IPAddress: "203.0.113.81", AgentID: "agent-1",
		Source: store.BlockSourceRule, AutoUnblock: true, UnblockAt: &future,
	})
	require.NoError(t, err)

	s.sweepExpiredBlocks(context.Background())

	require.Equal(t, []string{"blk-due"}, blocker.unblocked)
}

func TestSweepRetention_PrunesOldHeartbeats(t *testing.T) {
	s, st, cfg := newTestSweeper(t, &recordingUnblocker{})
	cfg.HeartbeatRetention = time.Hour

	require.NoError(t, st.PutHeartbeat(&store.AgentHeartbeat{
		AgentID: "agent-1", Timestamp: time.Now().UTC().Add(-48 * time.Hour),
	}))
	require.NoError(t, st.PutHeartbeat(&store.AgentHeartbeat{
		AgentID: "agent-1", Timestamp: time.Now().UTC(),
	}))

	s.sweepRetention(context.Background())

	remaining, err := st.ListHeartbeatsForAgent("agent-1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}
