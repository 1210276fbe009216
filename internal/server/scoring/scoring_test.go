package scoring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sshguardian/core/internal/server/features"
	"github.com/sshguardian/core/internal/store"
)

type fakeRuleEvaluator struct {
	score   float64
	matched []string
}

func (f fakeRuleEvaluator) Evaluate(_ *store.AuthEvent, _ features.Vector) (float64, []string, error) {
	return f.score, f.matched, nil
}

type fakeAnomalyModel struct {
	score float64
}

func (f fakeAnomalyModel) Score(_ features.Vector) (float64, error) {
	return f.score, nil
}

var equalWeights = Weights{Rule: 0.25, Anomaly: 0.30, Reputation: 0.35, Geographic: 0.10}

func TestScore_CleanIPYieldsLowBand(t *testing.T) {
	s := NewScorer(fakeRuleEvaluator{}, fakeAnomalyModel{score: 0})
	e := &store.AuthEvent{SourceIP: "203.0.113.1"}
	v := features.Vector{}

	res, err := s.Score(e, v, &store.IPGeo{Country: "US"}, equalWeights)
	require.NoError(t, err)
	require.Equal(t, BandLow, res.Band)
	require.Zero(t, res.Composite)
}

func TestScore_HighAbuseScoreSaturatesReputationLayer(t *testing.T) {
	s := NewScorer(fakeRuleEvaluator{}, fakeAnomalyModel{score: 0})
	e := &store.AuthEvent{SourceIP: "203.0.113.1"}
	v := features.Vector{}

	res, err := s.Score(e, v, &store.IPGeo{AbuseIPDBScore: 95}, equalWeights)
	require.NoError(t, err)
	require.Equal(t, 100.0, res.ReputationScore)
	require.InDelta(t, 35.0, res.Composite, 0.01) // only the reputation layer contributes
	require.Equal(t, BandMedium, res.Band)
}

func TestScore_RuleMatchContributesRuleLayer(t *testing.T) {
	s := NewScorer(fakeRuleEvaluator{score: 80, matched: []string{"rule-1"}}, fakeAnomalyModel{score: 0})
	e := &store.AuthEvent{SourceIP: "203.0.113.1"}
	v := features.Vector{}

	res, err := s.Score(e, v, nil, equalWeights)
	require.NoError(t, err)
	require.Equal(t, []string{"rule-1"}, res.MatchedRuleIDs)
	require.InDelta(t, 20.0, res.Composite, 0.01) // 0.25 * 80
}

func TestScore_CompositeClampedAtOneHundred(t *testing.T) {
	s := NewScorer(fakeRuleEvaluator{score: 100}, fakeAnomalyModel{score: 1})
	e := &store.AuthEvent{SourceIP: "203.0.113.1"}
	v := features.Vector{}

	// Weights summing to 4 push the raw weighted sum to 300.
	res, err := s.Score(e, v, &store.IPGeo{AbuseIPDBScore: 100}, Weights{Rule: 1, Anomaly: 1, Reputation: 1, Geographic: 1})
	require.NoError(t, err)
	require.Equal(t, 100.0, res.Composite)
	require.Equal(t, BandCritical, res.Band)
}

func TestDominantLayer_TieBreaksReputationFirst(t *testing.T) {
	require.Equal(t, "reputation", dominantLayer(50, 50, 50, 50))
	require.Equal(t, "rule", dominantLayer(50, 30, 10, 10))
	require.Equal(t, "rule", dominantLayer(50, 50, 10, 10))
}

func TestBandForScore_Boundaries(t *testing.T) {
	require.Equal(t, BandLow, BandForScore(29.99))
	require.Equal(t, BandMedium, BandForScore(30))
	require.Equal(t, BandMedium, BandForScore(59.99))
	require.Equal(t, BandHigh, BandForScore(60))
	require.Equal(t, BandHigh, BandForScore(79.99))
	require.Equal(t, BandCritical, BandForScore(80))
}
