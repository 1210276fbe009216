package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// UFWRule mirrors one rule line reported by an agent's ufw sync.
type UFWRule struct {
	Number      int    `json:"number"`
	Action      string `json:"action"` // ALLOW, DENY, REJECT, LIMIT
	Direction   string `json:"direction"`
	From        string `json:"from"`
	To          string `json:"to"`
	Protocol    string `json:"protocol,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

// ListeningPort mirrors one listening socket an agent reported.
type ListeningPort struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Process  string `json:"process,omitempty"`
}

// AgentUFWState is the last-known full snapshot of one agent's
// firewall, replaced wholesale on every sync: an atomic full swap, with
// no incremental diffing against what's already stored.
type AgentUFWState struct {
	AgentID        string          `json:"agent_id"`
	Enabled        bool            `json:"enabled"`
	DefaultIncoming string         `json:"default_incoming,omitempty"`
	DefaultOutgoing string         `json:"default_outgoing,omitempty"`
	LoggingLevel   string          `json:"logging_level,omitempty"`
	Rules          []UFWRule       `json:"rules"`
	ListeningPorts []ListeningPort `json:"listening_ports,omitempty"`
	SyncedAt       time.Time       `json:"synced_at"`
}

// PutUFWState replaces the entire stored snapshot for an agent.
func (s *Store) PutUFWState(st *AgentUFWState) error {
	st.SyncedAt = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUFWState).Put([]byte(st.AgentID), data)
	})
}

// GetUFWState returns the last-known snapshot for an agent, or nil.
func (s *Store) GetUFWState(agentID string) (*AgentUFWState, error) {
	var st *AgentUFWState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUFWState).Get([]byte(agentID))
		if data == nil {
			return nil
		}
		st = &AgentUFWState{}
		return json.Unmarshal(data, st)
	})
	return st, err
}
