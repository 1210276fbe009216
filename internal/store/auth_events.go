package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// AuthEventType distinguishes a recognized authentication outcome.
// Unrecognized lines are dropped upstream and never reach the store —
// there is deliberately no "invalid" value here.
type AuthEventType string

const (
	AuthEventFailed     AuthEventType = "failed"
	AuthEventSuccessful AuthEventType = "successful"
)

// AuthEventSourceType distinguishes where an event originated.
type AuthEventSourceType string

const (
	AuthEventSourceAgent      AuthEventSourceType = "agent"
	AuthEventSourceSimulation AuthEventSourceType = "simulation"
)

// AuthEvent is an immutable record of one parsed auth-log line.
type AuthEvent struct {
	EventUUID      string               `json:"event_uuid"`
	Timestamp      time.Time            `json:"timestamp"`
	SourceType     AuthEventSourceType  `json:"source_type"`
	AgentID        string               `json:"agent_id,omitempty"`
	SimulationRun  string               `json:"simulation_run,omitempty"`
	EventType      AuthEventType        `json:"event_type"`
	AuthMethod     string               `json:"auth_method,omitempty"`
	SourceIP       string               `json:"source_ip"`
	TargetUsername string               `json:"target_username,omitempty"`
	TargetPort     int                  `json:"target_port,omitempty"`
	FailureReason  string               `json:"failure_reason,omitempty"`
	GeoIP          string               `json:"geo_ip,omitempty"` // foreign key into ip_geo, by IP
	BlockID        string               `json:"block_id,omitempty"`
	RawLine        string               `json:"raw_line"`
	IngestedAt     time.Time            `json:"ingested_at"`
}

// eventStorageKey is the bucket key for an auth event: a lexically
// sortable, fixed-width timestamp prefix followed by the uuid, so
// ForEach iterates in timestamp order without a separate ordering index.
func eventStorageKey(e *AuthEvent) []byte {
	return []byte(e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + "|" + e.EventUUID)
}

// InsertAuthEvent stores a new event if its event_uuid has not been seen
// before. Returns (false, nil) if the event already exists — not an
// error, since batch replay must be idempotent.
func (s *Store) InsertAuthEvent(e *AuthEvent) (created bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketAuthEventsByUUID)
		if idx.Get([]byte(e.EventUUID)) != nil {
			return nil
		}
		if e.IngestedAt.IsZero() {
			e.IngestedAt = time.Now().UTC()
		}
		key := eventStorageKey(e)
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal auth event: %w", err)
		}
		if err := tx.Bucket(bucketAuthEvents).Put(key, data); err != nil {
			return err
		}
		if err := idx.Put([]byte(e.EventUUID), key); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// GetAuthEventByUUID returns the event for a given event_uuid, or nil if absent.
func (s *Store) GetAuthEventByUUID(uuid string) (*AuthEvent, error) {
	var e *AuthEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketAuthEventsByUUID).Get([]byte(uuid))
		if key == nil {
			return nil
		}
		data := tx.Bucket(bucketAuthEvents).Get(key)
		if data == nil {
			return nil
		}
		e = &AuthEvent{}
		return json.Unmarshal(data, e)
	})
	return e, err
}

// EventWindowQuery bounds a scan over recent events for one IP, used by
// the feature extractor's windowed behavioral stats.
type EventWindowQuery struct {
	SourceIP string
	Since    time.Time
	AgentID  string // optional: restrict to one agent
}

// ListEventsForIPSince returns every event for an IP with timestamp >=
// since, in chronological order. Used to compute windowed behavioral
// features (attempts/minute, failure rate, unique usernames, etc.).
//
// This performs a full bucket scan filtered in memory; it is adequate
// for the append-only, moderate-cardinality auth_events table this
// system expects.
func (s *Store) ListEventsForIPSince(q EventWindowQuery) ([]*AuthEvent, error) {
	var out []*AuthEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuthEvents).ForEach(func(_, v []byte) error {
			e := &AuthEvent{}
			if err := json.Unmarshal(v, e); err != nil {
				return err
			}
			if e.SourceIP != q.SourceIP {
				return nil
			}
			if e.Timestamp.Before(q.Since) {
				return nil
			}
			if q.AgentID != "" && e.AgentID != q.AgentID {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// ListEventsForUsernameSince returns every event for a target username,
// across any source IP, with timestamp >= since, in no particular
// order. Used to derive a username's typical login countries for the
// geographic layer's new-country feature.
//
// This performs a full bucket scan, same tradeoff as
// ListEventsForIPSince.
func (s *Store) ListEventsForUsernameSince(username string, since time.Time) ([]*AuthEvent, error) {
	var out []*AuthEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuthEvents).ForEach(func(_, v []byte) error {
			e := &AuthEvent{}
			if err := json.Unmarshal(v, e); err != nil {
				return err
			}
			if e.TargetUsername != username {
				return nil
			}
			if e.Timestamp.Before(since) {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// CountDistinctUsernamesForIP returns the number of distinct target
// usernames seen for an IP since the given time.
func CountDistinctUsernamesForIP(events []*AuthEvent) int {
	seen := map[string]bool{}
	for _, e := range events {
		if e.TargetUsername != "" {
			seen[e.TargetUsername] = true
		}
	}
	return len(seen)
}

// CountDistinctAgentsForIP returns the number of distinct target agents
// (servers) seen for an IP, used for the "unique target servers" feature.
func CountDistinctAgentsForIP(events []*AuthEvent) int {
	seen := map[string]bool{}
	for _, e := range events {
		if e.AgentID != "" {
			seen[e.AgentID] = true
		}
	}
	return len(seen)
}
