package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// AgentStatus is the lifecycle state of an Agent.
type AgentStatus string

const (
	AgentStatusPending      AgentStatus = "pending"
	AgentStatusActive       AgentStatus = "active"
	AgentStatusInactive     AgentStatus = "inactive"
	AgentStatusDisconnected AgentStatus = "disconnected"
)

// AgentHealth is the most recently reported health tag.
type AgentHealth string

const (
	AgentHealthHealthy   AgentHealth = "healthy"
	AgentHealthDegraded  AgentHealth = "degraded"
	AgentHealthUnhealthy AgentHealth = "unhealthy"
	AgentHealthUnknown   AgentHealth = "unknown"
)

// Agent is a registered host running guardian-agent.
type Agent struct {
	AgentID         string          `json:"agent_id"`
	UUID            string          `json:"uuid"`
	APIKeyHash      string          `json:"api_key_hash"`
	Hostname        string          `json:"hostname"`
	DisplayName     string          `json:"display_name,omitempty"`
	Environment     string          `json:"environment,omitempty"`
	Version         string          `json:"version"`
	SystemInfo      json.RawMessage `json:"system_info,omitempty"`
	SupportedFeatures []string      `json:"supported_features,omitempty"`
	IsApproved      bool            `json:"is_approved"`
	IsActive        bool            `json:"is_active"`
	LastHeartbeat   time.Time       `json:"last_heartbeat"`
	Status          AgentStatus     `json:"status"`
	Health          AgentHealth     `json:"health"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PutAgent inserts or replaces an agent record keyed by agent_id, and
// maintains the api-key-hash secondary index used for request auth
// lookups. Callers must never reuse an API key hash across agents;
// PutAgent itself does not check for reuse.
func (s *Store) PutAgent(a *Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putAgentTx(tx, a)
	})
}

func putAgentTx(tx *bolt.Tx, a *Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	if err := tx.Bucket(bucketAgents).Put([]byte(a.AgentID), data); err != nil {
		return err
	}
	if a.APIKeyHash != "" {
		if err := tx.Bucket(bucketAgentsByAPIKey).Put([]byte(a.APIKeyHash), []byte(a.AgentID)); err != nil {
			return err
		}
	}
	return nil
}

// GetAgent looks up an agent by agent_id. Returns nil, nil if absent.
func (s *Store) GetAgent(agentID string) (*Agent, error) {
	var a *Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(agentID))
		if data == nil {
			return nil
		}
		a = &Agent{}
		return json.Unmarshal(data, a)
	})
	return a, err
}

// GetAgentByAPIKeyHash looks up an agent by the SHA-256 hash of its API
// key. Returns nil, nil if no agent holds that key.
func (s *Store) GetAgentByAPIKeyHash(hash string) (*Agent, error) {
	var a *Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		agentID := tx.Bucket(bucketAgentsByAPIKey).Get([]byte(hash))
		if agentID == nil {
			return nil
		}
		data := tx.Bucket(bucketAgents).Get(agentID)
		if data == nil {
			return nil
		}
		a = &Agent{}
		return json.Unmarshal(data, a)
	})
	return a, err
}

// AuthenticateAPIKey implements auth.AgentKeyLookup: it resolves an
// API key's SHA-256 hash to the owning agent's id, approval, and
// active flags, without exposing the full Agent record to the auth
// package.
func (s *Store) AuthenticateAPIKey(apiKeyHash string) (agentID string, isApproved, isActive bool, found bool) {
	a, err := s.GetAgentByAPIKeyHash(apiKeyHash)
	if err != nil || a == nil {
		return "", false, false, false
	}
	return a.AgentID, a.IsApproved, a.IsActive, true
}

// ListAgents returns every registered agent.
func (s *Store) ListAgents() ([]*Agent, error) {
	var agents []*Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
			a := &Agent{}
			if err := json.Unmarshal(v, a); err != nil {
				return err
			}
			agents = append(agents, a)
			return nil
		})
	})
	return agents, err
}

// UpdateAgent reads the current agent record, applies fn, and writes it
// back inside a single transaction. fn may mutate the agent in place.
// Returns (nil, nil) if the agent does not exist.
func (s *Store) UpdateAgent(agentID string, fn func(a *Agent) error) (*Agent, error) {
	var out *Agent
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(agentID))
		if data == nil {
			return nil
		}
		a := &Agent{}
		if err := json.Unmarshal(data, a); err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		a.UpdatedAt = time.Now().UTC()
		out = a
		return putAgentTx(tx, a)
	})
	return out, err
}

// DeleteAgent removes an agent and cascades the deletion to telemetry
// it owns outright (heartbeats, batches, UFW state/commands).
// AuthEvents and IPBlocks reference agents weakly and are left
// untouched (SET NULL semantics are enforced at read time by treating a
// dangling agent_id as "decommissioned" rather than by a foreign key).
func (s *Store) DeleteAgent(agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(agentID))
		if data != nil {
			a := &Agent{}
			if err := json.Unmarshal(data, a); err == nil && a.APIKeyHash != "" {
				tx.Bucket(bucketAgentsByAPIKey).Delete([]byte(a.APIKeyHash))
			}
		}
		if err := tx.Bucket(bucketAgents).Delete([]byte(agentID)); err != nil {
			return err
		}
		if err := deletePrefixed(tx, bucketHeartbeats, agentID); err != nil {
			return err
		}
		if err := deletePrefixed(tx, bucketLogBatches, agentID); err != nil {
			return err
		}
		if err := tx.Bucket(bucketUFWState).Delete([]byte(agentID)); err != nil {
			return err
		}
		return deletePrefixed(tx, bucketUFWCommands, agentID)
	})
}

// deletePrefixed removes every key in bucket beginning with "prefix|".
// Used to cascade-delete an agent's owned rows, which are keyed
// "agentID|<suffix>" in buckets where multiple rows belong to one agent.
func deletePrefixed(tx *bolt.Tx, bucketName []byte, prefix string) error {
	b := tx.Bucket(bucketName)
	c := b.Cursor()
	p := []byte(prefix + "|")
	var toDelete [][]byte
	for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
		key := make([]byte, len(k))
		copy(key, k)
		toDelete = append(toDelete, key)
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
