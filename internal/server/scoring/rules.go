package scoring

import (
	"encoding/json"
	"fmt"

	"github.com/sshguardian/core/internal/server/features"
	"github.com/sshguardian/core/internal/store"
)

// RuleCondition is the decoded body of a BlockingRule.Condition. Only
// the fields relevant to the rule's Type are populated; unused fields
// are the zero value and ignored.
type RuleCondition struct {
	// threshold
	MinAttemptsPerMinute float64 `json:"min_attempts_per_minute,omitempty"`
	MinConsecutiveFailures int   `json:"min_consecutive_failures,omitempty"`
	MinFailureRate24h    float64 `json:"min_failure_rate_24h,omitempty"`

	// pattern
	UsernamePattern string `json:"username_pattern,omitempty"`

	// geo
	Countries []string `json:"countries,omitempty"`

	// time_based
	OutsideBusinessHours bool `json:"outside_business_hours,omitempty"`
}

// RuleEvaluator evaluates the enabled BlockingRules against an event
// and its feature vector.
type RuleEvaluator interface {
	// Evaluate returns the highest-priority matched rule's severity
	// (0-100), or 0 with no matched IDs if none apply.
	Evaluate(e *store.AuthEvent, v features.Vector) (score float64, matchedRuleIDs []string, err error)
}

// StoreRuleEvaluator evaluates rules loaded from the durable store, in
// priority order. Every enabled rule is checked: the first one whose
// condition is satisfied supplies the score, and the IDs of all
// satisfied rules are returned.
type StoreRuleEvaluator struct {
	store *store.Store
}

// NewStoreRuleEvaluator builds an evaluator backed by st.
func NewStoreRuleEvaluator(st *store.Store) *StoreRuleEvaluator {
	return &StoreRuleEvaluator{store: st}
}

// Evaluate implements RuleEvaluator.
func (r *StoreRuleEvaluator) Evaluate(e *store.AuthEvent, v features.Vector) (float64, []string, error) {
	rules, err := r.store.ListEnabledBlockingRules()
	if err != nil {
		return 0, nil, fmt.Errorf("list enabled blocking rules: %w", err)
	}

	var best *store.BlockingRule
	var matched []string
	for _, rule := range rules {
		cond, err := decodeCondition(rule)
		if err != nil {
			continue // a malformed rule condition never blocks the pipeline
		}
		if ruleMatches(rule.Type, cond, e, v) {
			matched = append(matched, rule.ID)
			if best == nil {
				best = rule // rules are already priority-sorted ascending
			}
		}
	}
	if best == nil {
		return 0, nil, nil
	}
	return float64(best.Severity), matched, nil
}

func decodeCondition(rule *store.BlockingRule) (RuleCondition, error) {
	var cond RuleCondition
	if len(rule.Condition) == 0 {
		return cond, nil
	}
	err := json.Unmarshal(rule.Condition, &cond)
	return cond, err
}

func ruleMatches(t store.BlockingRuleType, cond RuleCondition, e *store.AuthEvent, v features.Vector) bool {
	switch t {
	case store.RuleTypeThreshold:
		return matchesThreshold(cond, v)
	case store.RuleTypePattern:
		return cond.UsernamePattern != "" && e.TargetUsername == cond.UsernamePattern
	case store.RuleTypeGeo:
		return matchesGeo(cond, v)
	case store.RuleTypeTimeBased:
		return cond.OutsideBusinessHours && !v.IsBusinessHours
	case store.RuleTypeML:
		return false // ML-sourced rules are evaluated by the anomaly layer, not here
	default:
		return false
	}
}

func matchesThreshold(cond RuleCondition, v features.Vector) bool {
	if cond.MinAttemptsPerMinute > 0 && v.AttemptsPerMinute >= cond.MinAttemptsPerMinute {
		return true
	}
	if cond.MinConsecutiveFailures > 0 && v.ConsecutiveFailures >= cond.MinConsecutiveFailures {
		return true
	}
	if cond.MinFailureRate24h > 0 && v.FailureRate24h >= cond.MinFailureRate24h {
		return true
	}
	return false
}

// matchesGeo checks the high-risk-country flag rather than matching
// cond.Countries directly: the feature vector deliberately omits the
// raw country code to keep the frozen contract free of high-cardinality
// categorical fields, so a geo rule can only ask "is this a
// configured high-risk country", not "is this exactly France".
func matchesGeo(cond RuleCondition, v features.Vector) bool {
	return len(cond.Countries) > 0 && v.IsHighRiskCountry
}
