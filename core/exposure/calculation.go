// Package exposure classifies Bluetooth exposure detection summaries into a
// risk level. Preconditions are evaluated in a fixed order before the weighted
// risk score is computed and classified against the configured classes.
package exposure

import (
	"errors"
	"time"

	"cwa-risk-core/core/risk"
)

var (
	ErrRiskOutsideRange   = errors.New("risk score outside configured risk score classes")
	ErrUndefinedRiskRange = errors.New("risk score classes low/high not configured")
)

// MinimumActiveTracing is the tracing history required before a low or high
// result is trusted.
const MinimumActiveTracing = 24 * time.Hour

// DetectionSummary is the result of one completed detection run.
// AttenuationDurations are minutes spent in the low, mid and high buckets.
type DetectionSummary struct {
	MaximumRiskScore     int        `json:"maximum_risk_score"`
	AttenuationDurations [3]float64 `json:"attenuation_durations"`
}

type Input struct {
	Summary                   *DetectionSummary
	Configuration             risk.Configuration
	DateLastExposureDetection *time.Time
	ActiveTracing             time.Duration
	Preconditions             Preconditions
	CurrentDate               time.Time
	// Location defines calendar days for the validity check. Defaults to UTC.
	Location *time.Location
}

type Result struct {
	Level risk.Level `json:"risk_level"`
	// RiskScore is set when a summary was scored.
	RiskScore *float64 `json:"risk_score,omitempty"`
}

// Calculate returns the risk level for the given detection state.
//
// Inactive preconditions override everything. Otherwise the short tracing
// history, a missing summary and a stale detection raise a tentative level;
// the scored level replaces it only when it outranks it (see outranks).
func Calculate(in Input) (Result, error) {
	if !in.Preconditions.Good() {
		return Result{Level: risk.LevelInactive}, nil
	}

	var tentative *risk.Level
	raise := func(l risk.Level) {
		if tentative == nil || outranks(l, *tentative) {
			tentative = &l
		}
	}

	if in.ActiveTracing < MinimumActiveTracing {
		raise(risk.LevelUnknownInitial)
	}
	if in.Summary == nil {
		raise(risk.LevelUnknownInitial)
	}
	if in.DateLastExposureDetection != nil && detectionOutdated(*in.DateLastExposureDetection, in.CurrentDate, validityDays(in.Configuration), in.Location) {
		raise(risk.LevelUnknownOutdated)
	}
	if in.Summary == nil {
		return Result{Level: risk.LevelUnknownOutdated}, nil
	}

	score := RiskScore(*in.Summary, in.Configuration)
	classified, err := Classify(score, in.Configuration.RiskScoreClasses)
	if err != nil {
		return Result{}, err
	}

	level := classified
	if tentative != nil && outranks(*tentative, classified) {
		level = *tentative
	}
	return Result{Level: level, RiskScore: &score}, nil
}

// RiskScore computes
//
//	maximumRiskScore / divisor * (low*wLow/60 * mid*wMid/60 * high*wHigh/60 + offset)
//
// The bucket terms are multiplied, not summed.
func RiskScore(summary DetectionSummary, cfg risk.Configuration) float64 {
	normalizedRiskScore := float64(summary.MaximumRiskScore) / cfg.RiskScoreNormalizationDivisor
	weights := cfg.AttenuationWeights
	weightedLow := summary.AttenuationDurations[0] / 60 * weights.Low
	weightedMid := summary.AttenuationDurations[1] / 60 * weights.Mid
	weightedHigh := summary.AttenuationDurations[2] / 60 * weights.High
	return normalizedRiskScore * (weightedLow*weightedMid*weightedHigh + cfg.DefaultBucketOffset)
}

// Classify maps a score onto the low/high classes. A score outside both is an
// error.
func Classify(score float64, classes risk.RiskScoreClasses) (risk.Level, error) {
	if classes.Low == nil || classes.High == nil {
		return 0, ErrUndefinedRiskRange
	}
	switch {
	case classes.Low.Contains(score):
		return risk.LevelLow, nil
	case classes.High.Contains(score):
		return risk.LevelHigh, nil
	default:
		return 0, ErrRiskOutsideRange
	}
}

// outranks orders levels for combining a precondition level with a scored
// level: low < unknown initial < unknown outdated < high < inactive.
func outranks(a risk.Level, b risk.Level) bool {
	return rank(a) > rank(b)
}

func rank(l risk.Level) int {
	switch l {
	case risk.LevelLow:
		return 1
	case risk.LevelUnknownInitial:
		return 2
	case risk.LevelUnknownOutdated:
		return 3
	case risk.LevelHigh:
		return 4
	case risk.LevelInactive:
		return 5
	default:
		return 0
	}
}

func validityDays(cfg risk.Configuration) int {
	if cfg.ExposureDetectionValidityDays <= 0 {
		return 1
	}
	return cfg.ExposureDetectionValidityDays
}

// detectionOutdated compares calendar days, not elapsed hours.
func detectionOutdated(last time.Time, now time.Time, validity int, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	return calendarDaysBetween(last.In(loc), now.In(loc)) > validity
}

func calendarDaysBetween(from time.Time, to time.Time) int {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	start := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	end := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24)
}
