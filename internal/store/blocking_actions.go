package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BlockingActionType distinguishes what the action row records.
type BlockingActionType string

const (
	ActionBlock        BlockingActionType = "block"
	ActionUnblock      BlockingActionType = "unblock"
	ActionExtend       BlockingActionType = "extend"
	ActionReconcileAdd BlockingActionType = "reconcile_add"
	ActionReconcileDel BlockingActionType = "reconcile_remove"
)

// BlockingAction is an append-only audit row for a decision the blocking
// engine made. CommandUUID joins it to the AgentUFWCommand
// that carried the action out at the edge, when one was issued.
type BlockingAction struct {
	ID          string              `json:"id"`
	BlockID     string              `json:"block_id,omitempty"`
	AgentID     string              `json:"agent_id"`
	IPAddress   string              `json:"ip_address"`
	ActionType  BlockingActionType  `json:"action_type"`
	Reason      string              `json:"reason,omitempty"`
	RuleID      string              `json:"rule_id,omitempty"`
	CommandUUID string              `json:"command_uuid,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

func blockingActionKey(a *BlockingAction) []byte {
	return []byte(a.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + "|" + a.ID)
}

// AppendBlockingAction writes a new audit row. Rows are never mutated or
// deleted once written.
func (s *Store) AppendBlockingAction(a *BlockingAction) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockingActions).Put(blockingActionKey(a), data)
	})
}

// ListBlockingActionsForBlock returns every audit row referencing a block
// id, in chronological order, for the block's audit trail / timeline view.
func (s *Store) ListBlockingActionsForBlock(blockID string) ([]*BlockingAction, error) {
	var out []*BlockingAction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockingActions).ForEach(func(_, v []byte) error {
			a := &BlockingAction{}
			if err := json.Unmarshal(v, a); err != nil {
				return err
			}
			if a.BlockID == blockID {
				out = append(out, a)
			}
			return nil
		})
	})
	return out, err
}

// ListBlockingActionsForAgent returns every audit row for an agent in
// chronological order.
func (s *Store) ListBlockingActionsForAgent(agentID string) ([]*BlockingAction, error) {
	var out []*BlockingAction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockingActions).ForEach(func(_, v []byte) error {
			a := &BlockingAction{}
			if err := json.Unmarshal(v, a); err != nil {
				return err
			}
			if a.AgentID == agentID {
				out = append(out, a)
			}
			return nil
		})
	})
	return out, err
}
