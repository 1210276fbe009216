package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// AuthEventML is the scoring sidecar for an AuthEvent.
// Kept separate from AuthEvent so re-scoring (e.g. after a weight change)
// never mutates the immutable ingested record.
type AuthEventML struct {
	EventUUID        string          `json:"event_uuid"`
	Features         json.RawMessage `json:"features"`
	RuleScore        float64         `json:"rule_score"`
	AnomalyScore     float64         `json:"anomaly_score"`
	ReputationScore  float64         `json:"reputation_score"`
	GeographicScore  float64         `json:"geographic_score"`
	CompositeScore   float64         `json:"composite_score"`
	RiskBand         string          `json:"risk_band"`
	MatchedRuleIDs   []string        `json:"matched_rule_ids,omitempty"`
	ScoredAt         time.Time       `json:"scored_at"`
}

// PutAuthEventML inserts or replaces the scoring sidecar for an event.
func (s *Store) PutAuthEventML(m *AuthEventML) error {
	m.ScoredAt = time.Now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuthEventML).Put([]byte(m.EventUUID), data)
	})
}

// GetAuthEventML returns the scoring sidecar for an event, or nil.
func (s *Store) GetAuthEventML(eventUUID string) (*AuthEventML, error) {
	var m *AuthEventML
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAuthEventML).Get([]byte(eventUUID))
		if data == nil {
			return nil
		}
		m = &AuthEventML{}
		return json.Unmarshal(data, m)
	})
	return m, err
}
