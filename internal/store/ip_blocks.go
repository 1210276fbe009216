package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BlockSource identifies what triggered an IPBlock.
type BlockSource string

const (
	BlockSourceManual   BlockSource = "manual"
	BlockSourceRule     BlockSource = "rule"
	BlockSourceML       BlockSource = "ml"
	BlockSourceAPI      BlockSource = "api"
	BlockSourceFail2ban BlockSource = "fail2ban"
	BlockSourceUFW      BlockSource = "ufw" // reconciled from edge state
)

// IPBlock is a server-side record of an intent to deny an IP at a
// specific agent.
type IPBlock struct {
	ID               string      `json:"id"`
	IPAddress        string      `json:"ip_address"`
	CIDR             string      `json:"cidr,omitempty"`
	Reason           string      `json:"reason"`
	Source           BlockSource `json:"source"`
	TriggeringRuleID string      `json:"triggering_rule_id,omitempty"`
	TriggeringEventID string     `json:"triggering_event_id,omitempty"`
	AgentID          string      `json:"agent_id"`
	BlockType        string      `json:"block_type,omitempty"` // e.g. "reconciled"
	IsActive         bool        `json:"is_active"`
	AutoUnblock      bool        `json:"auto_unblock"`
	BlockedAt        time.Time   `json:"blocked_at"`
	UnblockAt        *time.Time  `json:"unblock_at,omitempty"` // nil = permanent
	UnblockedAt      *time.Time  `json:"unblocked_at,omitempty"`
	UnblockReason    string      `json:"unblock_reason,omitempty"`
	LastReconcileAttempt time.Time `json:"last_reconcile_attempt,omitempty"`
}

func activeBlockIndexKey(ip, agentID string) []byte {
	return []byte(ip + "|" + agentID)
}

// GetActiveBlock returns the active block for (ip, agent), or nil if none.
func (s *Store) GetActiveBlock(ip, agentID string) (*IPBlock, error) {
	var blk *IPBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketActiveBlockIdx).Get(activeBlockIndexKey(ip, agentID))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketIPBlocks).Get(id)
		if data == nil {
			return nil
		}
		blk = &IPBlock{}
		return json.Unmarshal(data, blk)
	})
	return blk, err
}

// CreateBlockIfAbsent atomically creates a new active block for (ip,
// agent) unless one already exists, in which case it returns the
// existing block and created=false. This is the application-level
// substitute for a DB partial unique index on (ip_address, agent_id)
// WHERE is_active, enforcing an "at most one is_active=true row per
// (ip, agent)" invariant together with the blocking engine's
// per-(ip,agent) fingerprint lock.
func (s *Store) CreateBlockIfAbsent(blk *IPBlock) (created bool, existing *IPBlock, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketActiveBlockIdx)
		key := activeBlockIndexKey(blk.IPAddress, blk.AgentID)
		if id := idx.Get(key); id != nil {
			data := tx.Bucket(bucketIPBlocks).Get(id)
			if data != nil {
				existing = &IPBlock{}
				return json.Unmarshal(data, existing)
			}
		}
		blk.IsActive = true
		if blk.BlockedAt.IsZero() {
			blk.BlockedAt = time.Now().UTC()
		}
		data, merr := json.Marshal(blk)
		if merr != nil {
			return fmt.Errorf("marshal ip block: %w", merr)
		}
		if err := tx.Bucket(bucketIPBlocks).Put([]byte(blk.ID), data); err != nil {
			return err
		}
		if err := idx.Put(key, []byte(blk.ID)); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, existing, err
}

// ExtendBlock updates an active block's unblock_at, e.g. when a new
// high-severity event arrives for an already-blocked IP.
func (s *Store) ExtendBlock(blockID string, newUnblockAt *time.Time) (*IPBlock, error) {
	var out *IPBlock
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIPBlocks).Get([]byte(blockID))
		if data == nil {
			return fmt.Errorf("block %s not found", blockID)
		}
		blk := &IPBlock{}
		if err := json.Unmarshal(data, blk); err != nil {
			return err
		}
		blk.UnblockAt = newUnblockAt
		out = blk
		encoded, err := json.Marshal(blk)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIPBlocks).Put([]byte(blk.ID), encoded)
	})
	return out, err
}

// DeactivateBlock marks a block inactive and removes it from the active
// index, freeing (ip, agent) for a future block. Used by both the
// auto-unblock sweeper and manual/reconciliation unblock paths.
func (s *Store) DeactivateBlock(blockID, reason string) (*IPBlock, error) {
	var out *IPBlock
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIPBlocks).Get([]byte(blockID))
		if data == nil {
			return fmt.Errorf("block %s not found", blockID)
		}
		blk := &IPBlock{}
		if err := json.Unmarshal(data, blk); err != nil {
			return err
		}
		now := time.Now().UTC()
		blk.IsActive = false
		blk.UnblockedAt = &now
		blk.UnblockReason = reason
		out = blk
		encoded, err := json.Marshal(blk)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketIPBlocks).Put([]byte(blk.ID), encoded); err != nil {
			return err
		}
		return tx.Bucket(bucketActiveBlockIdx).Delete(activeBlockIndexKey(blk.IPAddress, blk.AgentID))
	})
	return out, err
}

// TouchReconcileAttempt records the time of the last reconciliation
// retry for a block, used to implement a "re-enqueue only if the last
// attempt was at least 5 minutes ago" backoff.
func (s *Store) TouchReconcileAttempt(blockID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIPBlocks).Get([]byte(blockID))
		if data == nil {
			return fmt.Errorf("block %s not found", blockID)
		}
		blk := &IPBlock{}
		if err := json.Unmarshal(data, blk); err != nil {
			return err
		}
		blk.LastReconcileAttempt = at
		encoded, err := json.Marshal(blk)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIPBlocks).Put([]byte(blk.ID), encoded)
	})
}

// ListActiveBlocksDueForUnblock returns every active, auto-unblockable
// block whose unblock_at has passed, for the unblock sweeper.
func (s *Store) ListActiveBlocksDueForUnblock(now time.Time) ([]*IPBlock, error) {
	var out []*IPBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIPBlocks).ForEach(func(_, v []byte) error {
			blk := &IPBlock{}
			if err := json.Unmarshal(v, blk); err != nil {
				return err
			}
			if blk.IsActive && blk.AutoUnblock && blk.UnblockAt != nil && !blk.UnblockAt.After(now) {
				out = append(out, blk)
			}
			return nil
		})
	})
	return out, err
}

// ListActiveBlocksForAgent returns every active block targeting an agent,
// used by the reconciler to diff against edge firewall state.
func (s *Store) ListActiveBlocksForAgent(agentID string) ([]*IPBlock, error) {
	var out []*IPBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIPBlocks).ForEach(func(_, v []byte) error {
			blk := &IPBlock{}
			if err := json.Unmarshal(v, blk); err != nil {
				return err
			}
			if blk.IsActive && blk.AgentID == agentID {
				out = append(out, blk)
			}
			return nil
		})
	})
	return out, err
}

// GetIPBlock returns a block by id, or nil if absent.
func (s *Store) GetIPBlock(id string) (*IPBlock, error) {
	var blk *IPBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIPBlocks).Get([]byte(id))
		if data == nil {
			return nil
		}
		blk = &IPBlock{}
		return json.Unmarshal(data, blk)
	})
	return blk, err
}
