package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Fail2banEventAction is the action fail2ban reported.
type Fail2banEventAction string

const (
	Fail2banActionBan   Fail2banEventAction = "ban"
	Fail2banActionUnban Fail2banEventAction = "unban"
)

// Fail2banEvent is a record relayed from an agent's local fail2ban
// socket watcher, correlated against this system's own blocks so the
// two enforcement layers don't fight each other — fail2ban may already
// have banned an IP this system also wants to act on.
type Fail2banEvent struct {
	ID        string               `json:"id"`
	AgentID   string               `json:"agent_id"`
	Jail      string               `json:"jail"`
	IPAddress string               `json:"ip_address"`
	Action    Fail2banEventAction  `json:"action"`
	Timestamp time.Time            `json:"timestamp"`
}

func fail2banKey(e *Fail2banEvent) []byte {
	return []byte(e.AgentID + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + e.ID)
}

// PutFail2banEvent stores a relayed fail2ban event.
func (s *Store) PutFail2banEvent(e *Fail2banEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFail2banEvents).Put(fail2banKey(e), data)
	})
}

// ListFail2banEventsForIP returns every relayed fail2ban event for an IP.
func (s *Store) ListFail2banEventsForIP(ip string) ([]*Fail2banEvent, error) {
	var out []*Fail2banEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFail2banEvents).ForEach(func(_, v []byte) error {
			e := &Fail2banEvent{}
			if err := json.Unmarshal(v, e); err != nil {
				return err
			}
			if e.IPAddress == ip {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}
