package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sshguardian/core/internal/config"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "reconciler-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.NewTestServerConfig()
	return New(st, cfg, logging.New(false)), st
}

func TestRun_AdoptsEdgeOnlyDenyRule(t *testing.T) {
	r, st := newTestReconciler(t)
	require.NoError(t, st.PutAgent(&store.Agent{AgentID: "agent-1", Status: store.AgentStatusActive}))
	require.NoError(t, st.PutUFWState(&store.AgentUFWState{
		AgentID: "agent-1",
		Enabled: true,
		Rules:   []store.UFWRule{{Number: 1, Action: "DENY", Direction: "IN", From: "198.51.100.9"}},
	}))

	drift, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, drift)

	blk, err := st.GetActiveBlock("198.51.100.9", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, blk)
	require.Equal(t, store.BlockSourceUFW, blk.Source)
	require.Equal(t, "reconciled", blk.BlockType)
}

func TestRun_ReenqueuesServerOnlyBlockAfterRetryWindow(t *testing.T) {
	r, st := newTestReconciler(t)
	require.NoError(t, st.PutAgent(&store.Agent{AgentID: "agent-1", Status: store.AgentStatusActive}))
	require.NoError(t, st.PutUFWState(&store.AgentUFWState{AgentID: "agent-1", Enabled: true}))

	created, _, err := st.CreateBlockIfAbsent(&store.IPBlock{
		ID: "blk-1", IPAddress: "203.0.113.50", AgentID: "agent-1", Source: store.BlockSourceRule,
	})
	require.NoError(t, err)
	require.True(t, created)

	drift, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, drift)

	pending, err := st.ListPendingUFWCommands("agent-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "deny_from", pending[0].Type)

	blk, err := st.GetIPBlock("blk-1")
	require.NoError(t, err)
	require.False(t, blk.LastReconcileAttempt.IsZero())
}

func TestRun_SkipsServerOnlyBlockWithinRetryWindow(t *testing.T) {
	r, st := newTestReconciler(t)
	require.NoError(t, st.PutAgent(&store.Agent{AgentID: "agent-1", Status: store.AgentStatusActive}))
	require.NoError(t, st.PutUFWState(&store.AgentUFWState{AgentID: "agent-1", Enabled: true}))

	_, _, err := st.CreateBlockIfAbsent(&store.IPBlock{
		ID: "blk-2", IPAddress: "203.0.113.60", AgentID: "agent-1", Source: store.BlockSourceRule,
	})
	require.NoError(t, err)
	require.NoError(t, st.TouchReconcileAttempt("blk-2", time.Now().UTC()))

	drift, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, drift, "still counted as drift even though no action is taken yet")

	pending, err := st.ListPendingUFWCommands("agent-1")
	require.NoError(t, err)
	require.Len(t, pending, 0)
}

func TestRun_NoDriftWhenInSync(t *testing.T) {
	r, st := newTestReconciler(t)
	require.NoError(t, st.PutAgent(&store.Agent{AgentID: "agent-1", Status: store.AgentStatusActive}))
	require.NoError(t, st.PutUFWState(&store.AgentUFWState{
		AgentID: "agent-1",
		Enabled: true,
		Rules:   []store.UFWRule{{Number: 1, Action: "DENY", Direction: "IN", From: "203.0.113.70"}},
	}))
	_, _, err := st.CreateBlockIfAbsent(&store.IPBlock{
		ID: "blk-3", IPAddress: "203.0.113.70", AgentID: "agent-1", Source: store.BlockSourceRule,
	})
	require.NoError(t, err)

	drift, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, drift)
}
