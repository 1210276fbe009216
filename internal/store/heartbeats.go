package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// AgentHeartbeat is one periodic liveness+metrics sample from an agent.
type AgentHeartbeat struct {
	AgentID      string    `json:"agent_id"`
	Timestamp    time.Time `json:"timestamp"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemPercent   float64   `json:"mem_percent"`
	DiskPercent  float64   `json:"disk_percent"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Health       AgentHealth `json:"health"`
}

func heartbeatKey(agentID string, ts time.Time) []byte {
	return []byte(agentID + "|" + ts.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
}

// PutHeartbeat stores a new heartbeat row, keyed so a per-agent prefix
// scan (and DeleteAgent's cascade) visits them in chronological order.
func (s *Store) PutHeartbeat(h *AgentHeartbeat) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeartbeats).Put(heartbeatKey(h.AgentID, h.Timestamp), data)
	})
}

// ListHeartbeatsForAgent returns every stored heartbeat for an agent in
// chronological order.
func (s *Store) ListHeartbeatsForAgent(agentID string) ([]*AgentHeartbeat, error) {
	var out []*AgentHeartbeat
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeartbeats)
		c := b.Cursor()
		prefix := []byte(agentID + "|")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			h := &AgentHeartbeat{}
			if err := json.Unmarshal(v, h); err != nil {
				return err
			}
			out = append(out, h)
		}
		return nil
	})
	return out, err
}

// LastHeartbeatForAgent returns the most recent heartbeat for an agent,
// or nil if none has been recorded.
func (s *Store) LastHeartbeatForAgent(agentID string) (*AgentHeartbeat, error) {
	var last *AgentHeartbeat
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeartbeats)
		c := b.Cursor()
		prefix := []byte(agentID + "|")
		upperBound := []byte(agentID + "}") // '}' > '|' byte-wise, bounds the prefix scan
		k, v := c.Seek(upperBound)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || !hasPrefix(k, prefix) {
			return nil
		}
		last = &AgentHeartbeat{}
		return json.Unmarshal(v, last)
	})
	return last, err
}

// PruneHeartbeatsOlderThan deletes heartbeat rows with timestamp before
// cutoff, across all agents, as part of a periodic retention sweep.
func (s *Store) PruneHeartbeatsOlderThan(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeartbeats)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			h := &AgentHeartbeat{}
			if err := json.Unmarshal(v, h); err != nil {
				return err
			}
			if h.Timestamp.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
