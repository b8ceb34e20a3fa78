package exposure

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cwa-risk-core/core/risk"
)

var now = time.Date(2021, 3, 10, 12, 0, 0, 0, time.UTC)

func testConfig() risk.Configuration {
	return risk.Configuration{
		RiskScoreClasses: risk.RiskScoreClasses{
			Low:  &risk.Range{Min: 0, Max: 15},
			High: &risk.Range{Min: 15, Max: 72000},
		},
		AttenuationWeights:            risk.AttenuationWeights{Low: 1, Mid: 0.5, High: 0.5},
		RiskScoreNormalizationDivisor: 50,
		DefaultBucketOffset:           1,
		ExposureDetectionValidityDays: 2,
	}
}

func goodPreconditions() Preconditions {
	return Preconditions{Authorized: true, Enabled: true, Status: StatusActive}
}

func lowSummary() *DetectionSummary {
	return &DetectionSummary{MaximumRiskScore: 10, AttenuationDurations: [3]float64{60, 120, 180}}
}

func highSummary() *DetectionSummary {
	return &DetectionSummary{MaximumRiskScore: 255, AttenuationDurations: [3]float64{120, 120, 120}}
}

func baseInput() Input {
	last := now.Add(-2 * time.Hour)
	return Input{
		Summary:                   lowSummary(),
		Configuration:             testConfig(),
		DateLastExposureDetection: &last,
		ActiveTracing:             14 * 24 * time.Hour,
		Preconditions:             goodPreconditions(),
		CurrentDate:               now,
	}
}

func TestRiskScoreMultipliesBuckets(t *testing.T) {
	// 10/50 * ((60/60*1) * (120/60*0.5) * (180/60*0.5) + 1) = 0.2 * 2.5
	score := RiskScore(*lowSummary(), testConfig())
	assert.InDelta(t, 0.5, score, 1e-9)

	score = RiskScore(*highSummary(), testConfig())
	// 255/50 * (2*1*1 + 1)
	assert.InDelta(t, 15.3, score, 1e-9)
}

func TestRiskScoreMonotonicInMaximumRiskScore(t *testing.T) {
	cfg := testConfig()
	prev := -1.0
	for maxScore := 0; maxScore <= 255; maxScore += 15 {
		score := RiskScore(DetectionSummary{MaximumRiskScore: maxScore, AttenuationDurations: [3]float64{30, 45, 90}}, cfg)
		assert.GreaterOrEqual(t, score, prev, "max=%d", maxScore)
		prev = score
	}
}

func TestCalculateLowAndHigh(t *testing.T) {
	in := baseInput()
	res, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelLow, res.Level)
	require.NotNil(t, res.RiskScore)
	assert.InDelta(t, 0.5, *res.RiskScore, 1e-9)

	in.Summary = highSummary()
	res, err = Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelHigh, res.Level)
}

func TestCalculateInactiveOverridesEverything(t *testing.T) {
	cases := []Preconditions{
		{Authorized: false, Enabled: true, Status: StatusActive},
		{Authorized: true, Enabled: false, Status: StatusActive},
		{Authorized: true, Enabled: true, Status: StatusBluetoothOff},
		{Authorized: true, Enabled: true, Status: StatusRestricted},
	}
	for _, p := range cases {
		in := baseInput()
		in.Summary = highSummary()
		in.Preconditions = p
		res, err := Calculate(in)
		require.NoError(t, err)
		assert.Equal(t, risk.LevelInactive, res.Level, "preconditions %+v", p)
		assert.Nil(t, res.RiskScore)
	}
}

func TestCalculateStaleDetectionBeatsLowScore(t *testing.T) {
	in := baseInput()
	last := now.AddDate(0, 0, -3)
	in.DateLastExposureDetection = &last

	res, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelUnknownOutdated, res.Level)
}

func TestCalculateHighBeatsStaleDetection(t *testing.T) {
	in := baseInput()
	in.Summary = highSummary()
	last := now.AddDate(0, 0, -3)
	in.DateLastExposureDetection = &last

	res, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelHigh, res.Level)
}

func TestCalculateShortTracing(t *testing.T) {
	in := baseInput()
	in.ActiveTracing = 23 * time.Hour

	res, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelUnknownInitial, res.Level)

	in.Summary = highSummary()
	res, err = Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelHigh, res.Level)
}

func TestCalculateWithoutSummary(t *testing.T) {
	in := baseInput()
	in.Summary = nil
	in.DateLastExposureDetection = nil

	res, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelUnknownOutdated, res.Level)
	assert.Nil(t, res.RiskScore)
}

func TestCalculateValidityUsesCalendarDays(t *testing.T) {
	in := baseInput()
	in.CurrentDate = time.Date(2021, 3, 10, 0, 1, 0, 0, time.UTC)

	last := time.Date(2021, 3, 8, 23, 59, 0, 0, time.UTC)
	in.DateLastExposureDetection = &last
	res, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelLow, res.Level)

	last = time.Date(2021, 3, 7, 23, 59, 0, 0, time.UTC)
	in.DateLastExposureDetection = &last
	res, err = Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelUnknownOutdated, res.Level)
}

func TestCalculateValidityDefaultsToOneDay(t *testing.T) {
	in := baseInput()
	in.Configuration.ExposureDetectionValidityDays = 0
	last := now.AddDate(0, 0, -2)
	in.DateLastExposureDetection = &last

	res, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelUnknownOutdated, res.Level)
}

func TestCalculateErrors(t *testing.T) {
	in := baseInput()
	in.Summary = &DetectionSummary{MaximumRiskScore: 255, AttenuationDurations: [3]float64{6000, 6000, 6000}}
	_, err := Calculate(in)
	assert.ErrorIs(t, err, ErrRiskOutsideRange)

	in = baseInput()
	in.Configuration.RiskScoreClasses.High = nil
	_, err = Calculate(in)
	assert.ErrorIs(t, err, ErrUndefinedRiskRange)
}

func TestClassifyBoundaries(t *testing.T) {
	classes := testConfig().RiskScoreClasses

	level, err := Classify(0, classes)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelLow, level)

	level, err = Classify(15, classes)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelHigh, level)

	_, err = Classify(72000, classes)
	assert.ErrorIs(t, err, ErrRiskOutsideRange)

	_, err = Classify(-0.1, classes)
	assert.ErrorIs(t, err, ErrRiskOutsideRange)
}

func TestPreconditionsJSON(t *testing.T) {
	var p Preconditions
	require.NoError(t, json.Unmarshal([]byte(`{"authorized":true,"enabled":true,"status":"active"}`), &p))
	assert.True(t, p.Good())

	require.Error(t, json.Unmarshal([]byte(`{"status":"sleeping"}`), &p))

	b, err := json.Marshal(Preconditions{Status: StatusBluetoothOff})
	require.NoError(t, err)
	assert.JSONEq(t, `{"authorized":false,"enabled":false,"status":"bluetooth_off"}`, string(b))
}
