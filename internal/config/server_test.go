package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfig_WeightsSumToOne(t *testing.T) {
	c := NewTestServerConfig()
	require.NoError(t, c.Validate())
}

func TestServerConfig_InvalidWeightsRejected(t *testing.T) {
	c := NewTestServerConfig()
	c.SetRuleWeight(0.9)
	err := c.Validate()
	assert.Error(t, err)
}

func TestServerConfig_SweepsPauseIsThreadSafe(t *testing.T) {
	c := NewTestServerConfig()
	assert.False(t, c.SweepsPaused())
	c.SetSweepsPaused(true)
	assert.True(t, c.SweepsPaused())
}

func TestServerConfig_HighRiskCountries(t *testing.T) {
	c := NewTestServerConfig()
	assert.False(t, c.IsHighRiskCountry("RU"))
	c.SetHighRiskCountries([]string{"RU", "CN"})
	assert.True(t, c.IsHighRiskCountry("RU"))
	assert.True(t, c.IsHighRiskCountry("CN"))
	assert.False(t, c.IsHighRiskCountry("US"))
}

func TestParseCountrySet(t *testing.T) {
	set := parseCountrySet("RU, CN,IR")
	assert.True(t, set["RU"])
	assert.True(t, set["CN"])
	assert.True(t, set["IR"])
	assert.Len(t, set, 3)
}
