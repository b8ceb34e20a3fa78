package risk

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangeContainsIsHalfOpen(t *testing.T) {
	r := Range{Min: 10, Max: 20}
	cases := []struct {
		v    float64
		want bool
	}{
		{9.999, false},
		{10, true},
		{15, true},
		{19.999, true},
		{20, false},
		{math.NaN(), false},
		{math.Inf(1), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Contains(r, tc.v), "v=%v", tc.v)
	}
}

func TestRangeContainsMatchesDefinition(t *testing.T) {
	ranges := []Range{{0, 0}, {0, 1}, {-5, 5}, {100, 999}, {3, 2}}
	values := []float64{-10, -5, -0.5, 0, 0.5, 1, 2, 3, 4.999, 5, 99.99, 100, 998.9, 999, 1e6}
	for _, r := range ranges {
		for _, v := range values {
			require.Equal(t, r.Min <= v && v < r.Max, r.Contains(v), "%s contains %v", r, v)
		}
		require.False(t, r.Contains(r.Max), "upper bound must be excluded for %s", r)
	}
}

func TestMaxLevel(t *testing.T) {
	require.Equal(t, LevelInactive, Max())
	require.Equal(t, LevelHigh, Max(LevelLow, LevelHigh, LevelUnknownOutdated))
	require.Equal(t, LevelUnknownOutdated, Max(LevelUnknownInitial, LevelUnknownOutdated))
}

func TestLevelJSON(t *testing.T) {
	b, err := json.Marshal(LevelUnknownOutdated)
	require.NoError(t, err)
	require.JSONEq(t, `"unknown_outdated"`, string(b))

	var l Level
	require.NoError(t, json.Unmarshal([]byte(`"HIGH"`), &l))
	require.Equal(t, LevelHigh, l)
	require.Error(t, json.Unmarshal([]byte(`"medium"`), &l))
}

func TestMappingClassifyFirstMatch(t *testing.T) {
	m := Mapping{
		{Range: Range{Min: 0, Max: 100}, RiskLevel: LevelLow},
		{Range: Range{Min: 100, Max: 999}, RiskLevel: LevelHigh},
	}
	got, ok := m.Classify(100)
	require.True(t, ok)
	require.Equal(t, LevelHigh, got)

	got, ok = m.Classify(0)
	require.True(t, ok)
	require.Equal(t, LevelLow, got)

	_, ok = m.Classify(999)
	require.False(t, ok)
}

const sampleConfig = `{
  "version": "2.1",
  "risk_score_classes": {
    "low": {"min": 0, "max": 15},
    "high": {"min": 15, "max": 9999}
  },
  "attenuation_weights": {"low": 1, "mid": 0.5, "high": 0},
  "risk_score_normalization_divisor": 25,
  "default_bucket_offset": 1,
  "exposure_detection_validity_days": 1,
  "transmission_risk_value_mapping": [
    {"transmission_risk_level": 1, "transmission_risk_value": 0.6},
    {"transmission_risk_level": 3, "transmission_risk_value": 2.0}
  ],
  "normalized_time_per_checkin_to_risk_level_mapping": [
    {"range": {"min": 0, "max": 100}, "risk_level": "low"},
    {"range": {"min": 100, "max": 999}, "risk_level": "high"}
  ],
  "normalized_time_per_day_to_risk_level_mapping": [
    {"range": {"min": 0, "max": 150}, "risk_level": "low"},
    {"range": {"min": 150, "max": 9999}, "risk_level": "high"}
  ]
}`

func TestParseConfiguration(t *testing.T) {
	cfg, err := ParseConfiguration([]byte(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "2.1", cfg.Version)
	require.NotNil(t, cfg.RiskScoreClasses.Low)
	require.Equal(t, Range{Min: 15, Max: 9999}, *cfg.RiskScoreClasses.High)
	require.Equal(t, 2.0, cfg.TransmissionRiskValue(3))
	require.Equal(t, 0.0, cfg.TransmissionRiskValue(8))
	require.Len(t, cfg.NormalizedTimePerDayMapping, 2)
}

func TestParseConfigurationRejectsOverlappingMapping(t *testing.T) {
	raw := `{
  "risk_score_normalization_divisor": 25,
  "normalized_time_per_checkin_to_risk_level_mapping": [
    {"range": {"min": 0, "max": 100}, "risk_level": "low"},
    {"range": {"min": 50, "max": 999}, "risk_level": "high"}
  ]
}`
	_, err := ParseConfiguration([]byte(raw))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidConfiguration))
}

func TestParseConfigurationRejectsUnknownFields(t *testing.T) {
	_, err := ParseConfiguration([]byte(`{"risk_score_normalization_divisor": 1, "feature_flags": {}}`))
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestValidateAllowsMissingClasses(t *testing.T) {
	cfg := Configuration{RiskScoreNormalizationDivisor: 1}
	require.NoError(t, cfg.Validate())
}
