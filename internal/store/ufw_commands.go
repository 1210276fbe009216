package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// UFWCommandStatus is the lifecycle state of a dispatched command.
// Transitions are monotonic: pending -> sent -> {completed, failed}.
// No other transition is permitted.
type UFWCommandStatus string

const (
	CommandStatusPending   UFWCommandStatus = "pending"
	CommandStatusSent      UFWCommandStatus = "sent"
	CommandStatusCompleted UFWCommandStatus = "completed"
	CommandStatusFailed    UFWCommandStatus = "failed"
)

var validCommandTransitions = map[UFWCommandStatus]map[UFWCommandStatus]bool{
	CommandStatusPending: {CommandStatusSent: true},
	CommandStatusSent:    {CommandStatusCompleted: true, CommandStatusFailed: true},
}

// AgentUFWCommand is a queued instruction for an agent's local firewall.
// CommandUUID is the idempotency key an agent uses to discard a command
// it has already reported a result for.
type AgentUFWCommand struct {
	CommandUUID string           `json:"command_uuid"`
	AgentID     string           `json:"agent_id"`
	BlockID     string           `json:"block_id,omitempty"`
	Type        string           `json:"type"`
	Params      json.RawMessage  `json:"params,omitempty"`
	Status      UFWCommandStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	SentAt      *time.Time       `json:"sent_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ufwCommandKey keys a command by agent, then creation time, then uuid,
// so a bucket cursor scan over an agent's prefix yields commands in
// creation order. Zero-padding the nanosecond timestamp keeps that
// order correct under plain byte comparison.
func ufwCommandKey(agentID string, createdAt time.Time, commandUUID string) []byte {
	return []byte(fmt.Sprintf("%s|%020d|%s", agentID, createdAt.UnixNano(), commandUUID))
}

// EnqueueUFWCommand inserts a new command in pending state, rejecting a
// duplicate command_uuid to guard against double-enqueue by a racing
// decision path.
func (s *Store) EnqueueUFWCommand(c *AgentUFWCommand) error {
	c.Status = CommandStatusPending
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketUFWCommandsByUUID)
		if idx.Get([]byte(c.CommandUUID)) != nil {
			return fmt.Errorf("command %s already enqueued", c.CommandUUID)
		}
		key := ufwCommandKey(c.AgentID, c.CreatedAt, c.CommandUUID)
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUFWCommands).Put(key, data); err != nil {
			return err
		}
		return idx.Put([]byte(c.CommandUUID), key)
	})
}

// ListPendingUFWCommands returns every pending command for an agent, in
// creation order, the set delivered on its next commands poll, and
// marks them sent.
func (s *Store) ListPendingUFWCommands(agentID string) ([]*AgentUFWCommand, error) {
	var out []*AgentUFWCommand
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUFWCommands)
		c := b.Cursor()
		prefix := []byte(agentID + "|")
		now := time.Now().UTC()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			cmd := &AgentUFWCommand{}
			if err := json.Unmarshal(v, cmd); err != nil {
				return err
			}
			if cmd.Status != CommandStatusPending {
				continue
			}
			cmd.Status = CommandStatusSent
			cmd.SentAt = &now
			data, err := json.Marshal(cmd)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			out = append(out, cmd)
		}
		return nil
	})
	return out, err
}

// RecordCommandResult transitions a command to completed or failed.
// Returns an error if the command is unknown or the transition is not a
// valid monotonic step — e.g. a result reported twice for the same
// command_uuid is rejected on the second call rather than silently
// overwriting the first outcome.
func (s *Store) RecordCommandResult(agentID, commandUUID string, status UFWCommandStatus, errMsg string) error {
	if status != CommandStatusCompleted && status != CommandStatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketUFWCommandsByUUID)
		key := idx.Get([]byte(commandUUID))
		if key == nil {
			return fmt.Errorf("command %s not found", commandUUID)
		}
		b := tx.Bucket(bucketUFWCommands)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("command %s not found", commandUUID)
		}
		cmd := &AgentUFWCommand{}
		if err := json.Unmarshal(data, cmd); err != nil {
			return err
		}
		if !validCommandTransitions[cmd.Status][status] {
			return fmt.Errorf("invalid transition %s -> %s for command %s", cmd.Status, status, commandUUID)
		}
		now := time.Now().UTC()
		cmd.Status = status
		cmd.Error = errMsg
		cmd.CompletedAt = &now
		encoded, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
}

// GetUFWCommand returns a command by its uuid, or nil if absent.
func (s *Store) GetUFWCommand(commandUUID string) (*AgentUFWCommand, error) {
	var cmd *AgentUFWCommand
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketUFWCommandsByUUID).Get([]byte(commandUUID))
		if key == nil {
			return nil
		}
		data := tx.Bucket(bucketUFWCommands).Get(key)
		if data == nil {
			return nil
		}
		cmd = &AgentUFWCommand{}
		return json.Unmarshal(data, cmd)
	})
	return cmd, err
}
