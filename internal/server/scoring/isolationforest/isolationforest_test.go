package isolationforest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sshguardian/core/internal/server/features"
)

func writeModel(t *testing.T, m *Model) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// shallowTreeSplittingOnAttemptsPerMinute isolates high-attempts-per-minute
// vectors in one step (index 6 = attempts_per_minute) and everything else
// in the other, giving a predictable short/long path length split.
func shallowTreeSplittingOnAttemptsPerMinute() *Node {
	return &Node{
		Feature:    6,
		SplitValue: 5.0,
		Left:       &Node{Feature: -1, Size: 90}, // normal traffic: attempts < 5/min
		Right:      &Node{Feature: -1, Size: 2},  // rare: attempts >= 5/min
	}
}

func TestModel_Score_InRange(t *testing.T) {
	m := &Model{SampleSize: 100, Trees: []*Node{
		shallowTreeSplittingOnAttemptsPerMinute(),
		shallowTreeSplittingOnAttemptsPerMinute(),
	}}

	v := features.Vector{AttemptsPerMinute: 1}
	score, err := m.Score(v)
	require.NoError(t, err)
	require.GreaterOrEqual(t, score, 0.0)
	require.LessOrEqual(t, score, 1.0)
}

func TestModel_Score_HighFrequencyAttemptsScoreHigherThanNormal(t *testing.T) {
	m := &Model{SampleSize: 100, Trees: []*Node{
		shallowTreeSplittingOnAttemptsPerMinute(),
		shallowTreeSplittingOnAttemptsPerMinute(),
		shallowTreeSplittingOnAttemptsPerMinute(),
	}}

	normal, err := m.Score(features.Vector{AttemptsPerMinute: 1})
	require.NoError(t, err)
	anomalous, err := m.Score(features.Vector{AttemptsPerMinute: 20})
	require.NoError(t, err)

	require.Greater(t, anomalous, normal, "a brute-force-rate vector isolated into the rare leaf must score more anomalous")
}

func TestLoad_RejectsEmptyEnsemble(t *testing.T) {
	path := writeModel(t, &Model{SampleSize: 100, Trees: nil})
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RoundTrips(t *testing.T) {
	original := &Model{SampleSize: 256, Trees: []*Node{shallowTreeSplittingOnAttemptsPerMinute()}}
	path := writeModel(t, original)

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 256, loaded.SampleSize)
	require.Len(t, loaded.Trees, 1)
}
