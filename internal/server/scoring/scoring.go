// Package scoring computes a composite 0-100 risk score for a scored
// auth event from three independent layers (rule, anomaly, reputation)
// plus a geographic layer.
package scoring

import (
	"encoding/json"

	"github.com/sshguardian/core/internal/server/features"
	"github.com/sshguardian/core/internal/store"
)

// RiskBand is the display bucket a composite score falls into.
type RiskBand string

const (
	BandLow      RiskBand = "low"
	BandMedium   RiskBand = "medium"
	BandHigh     RiskBand = "high"
	BandCritical RiskBand = "critical"
)

// BandForScore maps a composite 0-100 score to its risk band using a
// fixed threshold table: low, medium, high, critical.
func BandForScore(score float64) RiskBand {
	switch {
	case score < 30:
		return BandLow
	case score < 60:
		return BandMedium
	case score < 80:
		return BandHigh
	default:
		return BandCritical
	}
}

// Weights are the four layer weights, runtime-adjustable through
// ServerConfig's weight setters and validated to sum to ~1.0
// (internal/config.ServerConfig.Validate).
type Weights struct {
	Rule       float64
	Anomaly    float64
	Reputation float64
	Geographic float64
}

// AnomalyModel scores a feature vector in [0,1], where 1 is most
// anomalous. The isolation-forest implementation lives in the
// scoring/isolationforest subpackage; this interface lets the scorer
// swap in a stub or a future model without touching the composite math.
type AnomalyModel interface {
	Score(v features.Vector) (float64, error)
}

// Result is the full scoring breakdown for one event, persisted as an
// AuthEventML row.
type Result struct {
	RuleScore       float64
	AnomalyScore    float64
	ReputationScore float64
	GeographicScore float64
	Composite       float64
	Band            RiskBand
	MatchedRuleIDs  []string
	// DominantLayer records which layer drove the tie-break (reputation
	// > rule > anomaly > geographic), used as the recorded reason.
	DominantLayer string
}

// Scorer computes composite risk scores.
type Scorer struct {
	rules   RuleEvaluator
	anomaly AnomalyModel
}

// NewScorer builds a Scorer.
func NewScorer(rules RuleEvaluator, anomaly AnomalyModel) *Scorer {
	return &Scorer{rules: rules, anomaly: anomaly}
}

// Score computes the composite score for an event given its feature
// vector, enrichment row, and the currently configured layer weights.
func (s *Scorer) Score(e *store.AuthEvent, v features.Vector, geo *store.IPGeo, w Weights) (Result, error) {
	ruleScore, matchedIDs, err := s.rules.Evaluate(e, v)
	if err != nil {
		return Result{}, err
	}

	var anomalyScore float64
	if s.anomaly != nil {
		raw, err := s.anomaly.Score(v)
		if err != nil {
			return Result{}, err
		}
		anomalyScore = clamp(raw*100, 0, 100)
	}

	reputationScore := reputationLayerScore(geo)
	geographicScore := geographicLayerScore(v)

	composite := clamp(
		w.Rule*ruleScore+w.Anomaly*anomalyScore+w.Reputation*reputationScore+w.Geographic*geographicScore,
		0, 100,
	)

	res := Result{
		RuleScore:       ruleScore,
		AnomalyScore:    anomalyScore,
		ReputationScore: reputationScore,
		GeographicScore: geographicScore,
		Composite:       composite,
		Band:            BandForScore(composite),
		MatchedRuleIDs:  matchedIDs,
		DominantLayer:   dominantLayer(ruleScore, anomalyScore, reputationScore, geographicScore),
	}
	return res, nil
}

// ToSidecar converts a Result into the store's persisted scoring row.
func (r Result) ToSidecar(eventUUID string, v features.Vector) (*store.AuthEventML, error) {
	featureJSON, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &store.AuthEventML{
		EventUUID:       eventUUID,
		Features:        featureJSON,
		RuleScore:       r.RuleScore,
		AnomalyScore:    r.AnomalyScore,
		ReputationScore: r.ReputationScore,
		GeographicScore: r.GeographicScore,
		CompositeScore:  r.Composite,
		RiskBand:        string(r.Band),
		MatchedRuleIDs:  r.MatchedRuleIDs,
	}, nil
}

// reputationLayerScore derives the reputation layer's 0-100 score from
// the enrichment row: 0 if clean, 100 if AbuseIPDB
// confidence >= 75 or VirusTotal positives/total >= 0.1, otherwise the
// higher of the two signals, raised to at least 40 for a proxy, VPN or
// Tor address.
func reputationLayerScore(geo *store.IPGeo) float64 {
	if geo == nil {
		return 0
	}
	if geo.AbuseIPDBScore >= 75 {
		return 100
	}
	if geo.VirusTotalTotal > 0 && float64(geo.VirusTotalPositives)/float64(geo.VirusTotalTotal) >= 0.1 {
		return 100
	}

	abuseComponent := float64(geo.AbuseIPDBScore)
	var vtComponent float64
	if geo.VirusTotalTotal > 0 {
		vtComponent = (float64(geo.VirusTotalPositives) / float64(geo.VirusTotalTotal)) * 100
	}
	score := max(abuseComponent, vtComponent)
	if geo.IsProxy || geo.IsVPN || geo.IsTor {
		score = max(score, 40)
	}
	return clamp(score, 0, 100)
}

// geographicLayerScore maps the geographic features onto 0-100.
func geographicLayerScore(v features.Vector) float64 {
	score := v.CountryRiskScore
	if v.IsNewCountry {
		score = max(score, 50)
	}
	return clamp(score, 0, 100)
}

func dominantLayer(rule, anomaly, reputation, geographic float64) string {
	// Tie-break order: reputation > rule > anomaly > geographic.
	best := "geographic"
	bestScore := geographic
	if anomaly >= bestScore {
		best, bestScore = "anomaly", anomaly
	}
	if rule >= bestScore {
		best, bestScore = "rule", rule
	}
	if reputation >= bestScore {
		best, bestScore = "reputation", reputation
	}
	return best
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

