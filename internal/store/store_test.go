package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guardian-test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAuthEvent_DuplicateUUIDIsNoop(t *testing.T) {
	s := openTestStore(t)
	eventUUID := uuid.NewString()
	e := &AuthEvent{
		EventUUID:  eventUUID,
		Timestamp:  time.Now().UTC(),
		SourceType: AuthEventSourceAgent,
		AgentID:    "agent-1",
		EventType:  AuthEventFailed,
		SourceIP:   "203.0.113.7",
		RawLine:    "Failed password for invalid user root from 203.0.113.7 port 4444 ssh2",
	}

	created, err := s.InsertAuthEvent(e)
	require.NoError(t, err)
	require.True(t, created)

	// Replaying the same batch (agent retried after a dropped ack) must
	// not create a second row.
	created, err = s.InsertAuthEvent(e)
	require.NoError(t, err)
	require.False(t, created)

	got, err := s.GetAuthEventByUUID(eventUUID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "203.0.113.7", got.SourceIP)
}

func TestCreateBlockIfAbsent_EnforcesOneActivePerIPAgent(t *testing.T) {
	s := openTestStore(t)
	blk := &IPBlock{
		ID:        uuid.NewString(),
		IPAddress: "198.51.100.23",
		AgentID:   "agent-1",
		Reason:    "rule match",
		Source:    BlockSourceRule,
	}

	created, existing, err := s.CreateBlockIfAbsent(blk)
	require.NoError(t, err)
	require.True(t, created)
	require.Nil(t, existing)

	dup := &IPBlock{
		ID:        uuid.NewString(),
		IPAddress: "198.51.100.23",
		AgentID:   "agent-1",
		Reason:    "second rule match",
		Source:    BlockSourceML,
	}
	created, existing, err = s.CreateBlockIfAbsent(dup)
	require.NoError(t, err)
	require.False(t, created)
	require.NotNil(t, existing)
	require.Equal(t, blk.ID, existing.ID)

	// Same IP, different agent must be allowed to block independently.
	otherAgent := &IPBlock{
		ID:        uuid.NewString(),
		IPAddress: "198.51.100.23",
		AgentID:   "agent-2",
		Reason:    "rule match",
		Source:    BlockSourceRule,
	}
	created, existing, err = s.CreateBlockIfAbsent(otherAgent)
	require.NoError(t, err)
	require.True(t, created)
	require.Nil(t, existing)

	active, err := s.GetActiveBlock("198.51.100.23", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, blk.ID, active.ID)
}

func TestDeactivateBlock_FreesSlotForNewBlock(t *testing.T) {
	s := openTestStore(t)
	blk := &IPBlock{ID: uuid.NewString(), IPAddress: "192.0.2.55", AgentID: "agent-1", Source: BlockSourceManual}
	_, _, err := s.CreateBlockIfAbsent(blk)
	require.NoError(t, err)

	_, err = s.DeactivateBlock(blk.ID, "manual unblock")
	require.NoError(t, err)

	active, err := s.GetActiveBlock("192.0.2.55", "agent-1")
	require.NoError(t, err)
	require.Nil(t, active)

	next := &IPBlock{ID: uuid.NewString(), IPAddress: "192.0.2.55", AgentID: "agent-1", Source: BlockSourceRule}
	created, _, err := s.CreateBlockIfAbsent(next)
	require.NoError(t, err)
	require.True(t, created)
}

func TestUFWCommandTransitions_RejectOutOfOrder(t *testing.T) {
	s := openTestStore(t)
	cmdUUID := uuid.NewString()
	err := s.EnqueueUFWCommand(&AgentUFWCommand{CommandUUID: cmdUUID, AgentID: "agent-1", Type: "deny"})
	require.NoError(t, err)

	// Reporting a result before the command has ever been marked sent is
	// rejected — pending -> completed is not a valid transition.
	err = s.RecordCommandResult("agent-1", cmdUUID, CommandStatusCompleted, "")
	require.Error(t, err)

	pending, err := s.ListPendingUFWCommands("agent-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, CommandStatusSent, pending[0].Status)

	err = s.RecordCommandResult("agent-1", cmdUUID, CommandStatusCompleted, "")
	require.NoError(t, err)

	// A second result for the same command_uuid is rejected — completed
	// is terminal.
	err = s.RecordCommandResult("agent-1", cmdUUID, CommandStatusFailed, "boom")
	require.Error(t, err)

	got, err := s.GetUFWCommand(cmdUUID)
	require.NoError(t, err)
	require.Equal(t, CommandStatusCompleted, got.Status)
}

func TestListPendingUFWCommands_PreservesCreationOrder(t *testing.T) {
	s := openTestStore(t)

	var uuids []string
	for i := 0; i < 5; i++ {
		id := uuid.NewString()
		uuids = append(uuids, id)
		cmd := &AgentUFWCommand{
			CommandUUID: id,
			AgentID:     "agent-1",
			Type:        "reorder",
			CreatedAt:   time.Unix(1700000000, int64(i)),
		}
		require.NoError(t, s.EnqueueUFWCommand(cmd))
	}

	pending, err := s.ListPendingUFWCommands("agent-1")
	require.NoError(t, err)
	require.Len(t, pending, len(uuids))
	for i, cmd := range pending {
		require.Equal(t, uuids[i], cmd.CommandUUID, "command at position %d delivered out of creation order", i)
	}
}

func TestInsertLogBatchIfAbsent_IdempotentReplay(t *testing.T) {
	s := openTestStore(t)
	batchUUID := uuid.NewString()
	b := &AgentLogBatch{BatchUUID: batchUUID, AgentID: "agent-1", LineCount: 10, ParsedCount: 9, DroppedCount: 1}

	created, err := s.InsertLogBatchIfAbsent(b)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.InsertLogBatchIfAbsent(b)
	require.NoError(t, err)
	require.False(t, created)
}

func TestInsertLogBatchIfAbsent_ReservationBlocksConcurrentDuplicate(t *testing.T) {
	s := openTestStore(t)
	batchUUID := uuid.NewString()

	reservation := &AgentLogBatch{BatchUUID: batchUUID, AgentID: "agent-1", LineCount: 10}
	created, err := s.InsertLogBatchIfAbsent(reservation)
	require.NoError(t, err)
	require.True(t, created)

	// A second copy of the same batch_uuid arriving before the first
	// finishes processing must see the reservation, not recreate it.
	racer, err := s.InsertLogBatchIfAbsent(&AgentLogBatch{BatchUUID: batchUUID, AgentID: "agent-1", LineCount: 10})
	require.NoError(t, err)
	require.False(t, racer)

	existing, err := s.GetLogBatch(batchUUID)
	require.NoError(t, err)
	require.False(t, existing.Completed, "reserved but not yet processed batch must not read as completed")

	require.NoError(t, s.CompleteLogBatch(batchUUID, 9, 1))

	completed, err := s.GetLogBatch(batchUUID)
	require.NoError(t, err)
	require.True(t, completed.Completed)
	require.Equal(t, 9, completed.ParsedCount)
	require.Equal(t, 1, completed.DroppedCount)
}

func TestDeleteAgent_CascadesOwnedDataLeavesWeakRefs(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutAgent(&Agent{AgentID: "agent-1", APIKeyHash: "hash-1", Hostname: "h1"}))
	require.NoError(t, s.PutHeartbeat(&AgentHeartbeat{AgentID: "agent-1", Timestamp: time.Now().UTC()}))

	eventUUID := uuid.NewString()
	_, err := s.InsertAuthEvent(&AuthEvent{
		EventUUID:  eventUUID,
		Timestamp:  time.Now().UTC(),
		SourceType: AuthEventSourceAgent,
		AgentID:    "agent-1",
		EventType:  AuthEventFailed,
		SourceIP:   "203.0.113.9",
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteAgent("agent-1"))

	a, err := s.GetAgent("agent-1")
	require.NoError(t, err)
	require.Nil(t, a)

	hbs, err := s.ListHeartbeatsForAgent("agent-1")
	require.NoError(t, err)
	require.Empty(t, hbs)

	// AuthEvents are a weak reference, not cascaded.
	e, err := s.GetAuthEventByUUID(eventUUID)
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestListEnabledBlockingRules_OrderedByPriority(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutBlockingRule(&BlockingRule{ID: "r3", Priority: 30, Enabled: true}))
	require.NoError(t, s.PutBlockingRule(&BlockingRule{ID: "r1", Priority: 10, Enabled: true}))
	require.NoError(t, s.PutBlockingRule(&BlockingRule{ID: "r2", Priority: 20, Enabled: true}))
	require.NoError(t, s.PutBlockingRule(&BlockingRule{ID: "r0", Priority: 5, Enabled: false}))

	rules, err := s.ListEnabledBlockingRules()
	require.NoError(t, err)
	require.Len(t, rules, 3)
	require.Equal(t, []string{"r1", "r2", "r3"}, []string{rules[0].ID, rules[1].ID, rules[2].ID})
}
