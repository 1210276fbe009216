// Package isolationforest implements inference (not training) for an
// isolation-forest anomaly model: a server process loads a serialized
// tree ensemble at startup and scores feature vectors against it.
// Training the ensemble itself happens offline and is out of scope for
// this package.
package isolationforest

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/sshguardian/core/internal/server/features"
)

// Node is one node of a serialized isolation tree. A leaf node has
// Feature == -1; an internal node splits on Feature at SplitValue.
type Node struct {
	Feature    int     `json:"feature"`
	SplitValue float64 `json:"split_value"`
	Left       *Node   `json:"left,omitempty"`
	Right      *Node   `json:"right,omitempty"`
	// Size is the number of training samples that reached this node,
	// used to estimate the unbuilt subtree's average path length when a
	// leaf is reached before full isolation.
	Size int `json:"size"`
}

// Model is a deserialized isolation-forest ensemble ready for scoring.
type Model struct {
	Trees      []*Node `json:"trees"`
	SampleSize int     `json:"sample_size"`
}

// featureOrder is the canonical, fixed ordering features are flattened
// into for tree traversal. It mirrors features.Vector's field order;
// changing it invalidates every previously serialized tree, so it is
// never derived via reflection.
var featureOrder = []string{
	"hour", "day_of_week", "is_business_hours", "is_weekend", "hour_sin", "hour_cos",
	"attempts_per_minute", "unique_usernames_hour", "unique_targets_hour", "failure_rate_24h",
	"consecutive_failures", "seconds_since_last_attempt", "is_first_sighting", "attempts_last_hour",
	"lifetime_success_rate", "country_risk_score", "is_high_risk_country", "km_from_typical_login",
	"is_new_country", "timezone_deviation_hours", "is_proxy_vpn_or_tor", "is_datacenter", "asn_risk_score",
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// toSlice flattens v into featureOrder's layout.
func toSlice(v features.Vector) []float64 {
	return []float64{
		float64(v.Hour), float64(v.DayOfWeek), boolToFloat(v.IsBusinessHours), boolToFloat(v.IsWeekend), v.HourSin, v.HourCos,
		v.AttemptsPerMinute, float64(v.UniqueUsernamesHour), float64(v.UniqueTargetsHour), v.FailureRate24h,
		float64(v.ConsecutiveFailures), v.SecondsSinceLastAttempt, boolToFloat(v.IsFirstSighting), float64(v.AttemptsLastHour),
		v.LifetimeSuccessRate, v.CountryRiskScore, boolToFloat(v.IsHighRiskCountry), v.KmFromTypicalLogin,
		boolToFloat(v.IsNewCountry), v.TimezoneDeviationHrs, boolToFloat(v.IsProxyVPNOrTor), boolToFloat(v.IsDatacenter), v.ASNRiskScore,
	}
}

// Load reads a JSON-serialized tree ensemble from path.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read isolation forest model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode isolation forest model: %w", err)
	}
	if len(m.Trees) == 0 {
		return nil, fmt.Errorf("isolation forest model at %s has no trees", path)
	}
	return &m, nil
}

// Score implements scoring.AnomalyModel: it returns the ensemble's
// normalized anomaly score in [0,1], where 1 means "most anomalous".
func (m *Model) Score(v features.Vector) (float64, error) {
	x := toSlice(v)
	if len(x) != len(featureOrder) {
		return 0, fmt.Errorf("feature vector length %d does not match model's %d", len(x), len(featureOrder))
	}

	var totalPathLength float64
	for _, tree := range m.Trees {
		totalPathLength += pathLength(tree, x, 0)
	}
	avgPathLength := totalPathLength / float64(len(m.Trees))

	cn := averagePathLengthNormalizer(m.SampleSize)
	if cn <= 0 {
		return 0, nil
	}
	score := math.Pow(2, -avgPathLength/cn)
	return clamp01(score), nil
}

func pathLength(n *Node, x []float64, depth int) float64 {
	if n == nil {
		return float64(depth)
	}
	if n.Feature < 0 || n.Feature >= len(x) || (n.Left == nil && n.Right == nil) {
		return float64(depth) + averagePathLengthNormalizer(n.Size)
	}
	if x[n.Feature] < n.SplitValue {
		return pathLength(n.Left, x, depth+1)
	}
	return pathLength(n.Right, x, depth+1)
}

// averagePathLengthNormalizer is c(n), the standard isolation-forest
// normalization term approximating the average path length of an
// unsuccessful BST search over n points.
func averagePathLengthNormalizer(n int) float64 {
	if n <= 1 {
		return 0
	}
	const eulerGamma = 0.5772156649
	nf := float64(n)
	return 2*(math.Log(nf-1)+eulerGamma) - 2*(nf-1)/nf
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
