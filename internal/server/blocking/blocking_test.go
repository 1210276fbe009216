package blocking

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sshguardian/core/internal/config"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/server/notify"
	"github.com/sshguardian/core/internal/server/scoring"
	"github.com/sshguardian/core/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "blocking-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.NewTestServerConfig()
	log := logging.New(false)
	multi := notify.NewMulti(log)
	return New(st, cfg, multi, log), st
}

func testEvent(ip, agentID string) *store.AuthEvent {
	return &store.AuthEvent{
		EventUUID: "evt-" + ip,
		AgentID:   agentID,
		SourceIP:  ip,
		EventType: store.AuthEventFailed,
		Timestamp: time.Now().UTC(),
	}
}

func TestDecide_LowBandNeverBlocks(t *testing.T) {
	e, st := newTestEngine(t)
	err := e.Decide(context.Background(), testEvent("203.0.113.1", "agent-1"), scoring.Result{
		Composite: 10, Band: scoring.BandLow,
	})
	require.NoError(t, err)

	blk, err := st.GetActiveBlock("203.0.113.1", "agent-1")
	require.NoError(t, err)
	require.Nil(t, blk)
}

func TestDecide_HighBandFromRuleCreatesBlockAndCommand(t *testing.T) {
	e, st := newTestEngine(t)
	err := e.Decide(context.Background(), testEvent("203.0.113.2", "agent-1"), scoring.Result{
		Composite: 70, Band: scoring.BandHigh, MatchedRuleIDs: []string{"rule-1"}, DominantLayer: "rule",
	})
	require.NoError(t, err)

	blk, err := st.GetActiveBlock("203.0.113.2", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, blk)
	require.True(t, blk.IsActive)
	require.Equal(t, store.BlockSourceRule, blk.Source)
	require.NotNil(t, blk.UnblockAt)

	actions, err := st.ListBlockingActionsForBlock(blk.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, store.ActionBlock, actions[0].ActionType)
	require.NotEmpty(t, actions[0].CommandUUID)

	cmd, err := st.GetUFWCommand(actions[0].CommandUUID)
	require.NoError(t, err)
	require.Equal(t, "deny_from", cmd.Type)
	require.Equal(t, "agent-1", cmd.AgentID)
}

func TestDecide_CriticalBandWithoutRuleIsPermanent(t *testing.T) {
	e, st := newTestEngine(t)
	err := e.Decide(context.Background(), testEvent("203.0.113.3", "agent-1"), scoring.Result{
		Composite: 95, Band: scoring.BandCritical,
	})
	require.NoError(t, err)

	blk, err := st.GetActiveBlock("203.0.113.3", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, blk)
	require.Nil(t, blk.UnblockAt)
	require.Equal(t, store.BlockSourceML, blk.Source)
}

func TestDecide_MLBelowThresholdIsSkipped(t *testing.T) {
	e, st := newTestEngine(t)
	e.cfg.SetMLEmitThreshold(0.99)

	err := e.Decide(context.Background(), testEvent("203.0.113.4", "agent-1"), scoring.Result{
		Composite: 65, Band: scoring.BandHigh,
	})
	require.NoError(t, err)

	blk, err := st.GetActiveBlock("203.0.113.4", "agent-1")
	require.NoError(t, err)
	require.Nil(t, blk)
}

func TestDecide_IdempotentOnExistingActiveBlock(t *testing.T) {
	e, st := newTestEngine(t)
	ev := testEvent("203.0.113.5", "agent-1")

	require.NoError(t, e.Decide(context.Background(), ev, scoring.Result{
		Composite: 70, Band: scoring.BandHigh, MatchedRuleIDs: []string{"rule-1"},
	}))
	first, err := st.GetActiveBlock("203.0.113.5", "agent-1")
	require.NoError(t, err)

	require.NoError(t, e.Decide(context.Background(), ev, scoring.Result{
		Composite: 70, Band: scoring.BandHigh, MatchedRuleIDs: []string{"rule-1"},
	}))

	actions, err := st.ListBlockingActionsForBlock(first.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1, "no extend action since the duration did not increase")

	_, err = st.ListPendingUFWCommands("agent-1") // drains the first command to sent
	require.NoError(t, err)
	pending, err := st.ListPendingUFWCommands("agent-1")
	require.NoError(t, err)
	require.Len(t, pending, 0, "no second deny command enqueued")
}

func TestDecide_CriticalExtendsExistingHighBlock(t *testing.T) {
	e, st := newTestEngine(t)
	ev := testEvent("203.0.113.6", "agent-1")

	require.NoError(t, e.Decide(context.Background(), ev, scoring.Result{
		Composite: 65, Band: scoring.BandHigh, MatchedRuleIDs: []string{"rule-1"},
	}))
	first, err := st.GetActiveBlock("203.0.113.6", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, first.UnblockAt)

	require.NoError(t, e.Decide(context.Background(), ev, scoring.Result{
		Composite: 95, Band: scoring.BandCritical,
	}))

	after, err := st.GetActiveBlock("203.0.113.6", "agent-1")
	require.NoError(t, err)
	require.Nil(t, after.UnblockAt, "critical band with no rule is permanent, which extends a temporary block")

	actions, err := st.ListBlockingActionsForBlock(first.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	require.Equal(t, store.ActionExtend, actions[1].ActionType)
}

func TestUnblock_DeactivatesAndEnqueuesDelete(t *testing.T) {
	e, st := newTestEngine(t)
	ev := testEvent("203.0.113.7", "agent-1")
	require.NoError(t, e.Decide(context.Background(), ev, scoring.Result{
		Composite: 70, Band: scoring.BandHigh, MatchedRuleIDs: []string{"rule-1"},
	}))
	blk, err := st.GetActiveBlock("203.0.113.7", "agent-1")
	require.NoError(t, err)

	require.NoError(t, e.Unblock(blk.ID, "operator request"))

	got, err := st.GetIPBlock(blk.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.Equal(t, "operator request", got.UnblockReason)

	pending, err := st.ListPendingUFWCommands("agent-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "delete_deny_from", pending[0].Type)
}
