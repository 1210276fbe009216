package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BlockingRuleType is the kind of condition a rule evaluates.
type BlockingRuleType string

const (
	RuleTypeThreshold BlockingRuleType = "threshold"
	RuleTypePattern   BlockingRuleType = "pattern"
	RuleTypeGeo       BlockingRuleType = "geo"
	RuleTypeTimeBased BlockingRuleType = "time_based"
	RuleTypeML        BlockingRuleType = "ml"
)

// BlockingRule is a configured detection rule.
type BlockingRule struct {
	ID                    string           `json:"id"`
	Name                  string           `json:"name"`
	Type                  BlockingRuleType `json:"type"`
	Priority              int              `json:"priority"` // lower wins ties
	Enabled               bool             `json:"enabled"`
	Condition             json.RawMessage  `json:"condition"`
	Severity              int              `json:"severity"` // 0-100, contributed to the rule layer score
	BlockDuration         time.Duration    `json:"block_duration"` // 0 = permanent
	AutoUnblock           bool             `json:"auto_unblock"`
	NotificationChannels  []string         `json:"notification_channels,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// PutBlockingRule inserts or replaces a rule. Disabled rules are
// retained for audit purposes, never physically removed by this path.
func (s *Store) PutBlockingRule(r *BlockingRule) error {
	r.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockingRules).Put([]byte(r.ID), data)
	})
}

// ListEnabledBlockingRules returns all enabled rules ordered by priority
// (ascending — lower priority value wins ties).
func (s *Store) ListEnabledBlockingRules() ([]*BlockingRule, error) {
	var rules []*BlockingRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockingRules).ForEach(func(_, v []byte) error {
			r := &BlockingRule{}
			if err := json.Unmarshal(v, r); err != nil {
				return err
			}
			if r.Enabled {
				rules = append(rules, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].Priority < rules[j-1].Priority; j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
	return rules, nil
}

// ListAllBlockingRules returns every rule, enabled or not, for audit display.
func (s *Store) ListAllBlockingRules() ([]*BlockingRule, error) {
	var rules []*BlockingRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockingRules).ForEach(func(_, v []byte) error {
			r := &BlockingRule{}
			if err := json.Unmarshal(v, r); err != nil {
				return err
			}
			rules = append(rules, r)
			return nil
		})
	})
	return rules, err
}
