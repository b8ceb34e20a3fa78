// Package service runs the check-in risk workflow over stored data.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cwa-risk-core/api/internal/models"
	"cwa-risk-core/core/checkin"
	"cwa-risk-core/core/risk"
	"cwa-risk-core/shared/events"
	"cwa-risk-core/shared/influxx"
)

var ErrNoRiskConfiguration = errors.New("risk configuration not loaded")

type CheckinLister interface {
	ListByOwner(ctx context.Context, ownerID uuid.UUID, since time.Time) ([]models.Checkin, error)
}

type MatchLister interface {
	ListMatchesByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.TraceTimeIntervalMatch, error)
}

type ConfigSource interface {
	Get() (risk.Configuration, bool)
}

type CheckinRisk struct {
	Checkins  CheckinLister
	Matches   MatchLister
	Config    ConfigSource
	Retention time.Duration
	Now       func() time.Time
}

type CheckinRiskReport struct {
	checkin.CalculationResult
	OwnerID          uuid.UUID     `json:"owner_id"`
	HighestRiskLevel risk.Level    `json:"highest_risk_level"`
	HighestDate      *checkin.Date `json:"highest_date,omitempty"`
	CheckinCount     int           `json:"checkin_count"`
	MatchCount       int           `json:"match_count"`
	CalculatedAt     time.Time     `json:"calculated_at"`
}

func (s CheckinRisk) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Calculate evaluates the owner's retained check-ins against every stored
// match. Without any high day the result is low.
func (s CheckinRisk) Calculate(ctx context.Context, ownerID uuid.UUID) (CheckinRiskReport, error) {
	cfg, ok := s.Config.Get()
	if !ok {
		return CheckinRiskReport{}, ErrNoRiskConfiguration
	}
	now := s.now()
	checkins, err := s.Checkins.ListByOwner(ctx, ownerID, now.Add(-s.Retention))
	if err != nil {
		return CheckinRiskReport{}, fmt.Errorf("list checkins: %w", err)
	}
	matches, err := s.Matches.ListMatchesByOwner(ctx, ownerID)
	if err != nil {
		return CheckinRiskReport{}, fmt.Errorf("list matches: %w", err)
	}

	result := checkin.Calculate(toDomainCheckins(checkins), toDomainMatches(matches), cfg)
	report := CheckinRiskReport{
		CalculationResult: result,
		OwnerID:           ownerID,
		HighestRiskLevel:  risk.LevelLow,
		CheckinCount:      len(checkins),
		MatchCount:        len(matches),
		CalculatedAt:      now,
	}
	if day, level, ok := result.Highest(); ok {
		report.HighestRiskLevel = level
		report.HighestDate = &day
	}
	return report, nil
}

func (r CheckinRiskReport) Event() events.CheckinRiskCalculated {
	perDate := make(map[string]string, len(r.RiskLevelPerDate))
	for day, level := range r.RiskLevelPerDate {
		perDate[day.String()] = level.String()
	}
	ev := events.CheckinRiskCalculated{
		HighestRiskLevel: r.HighestRiskLevel.String(),
		RiskLevelPerDate: perDate,
		CheckinCount:     r.CheckinCount,
		MatchCount:       r.MatchCount,
	}
	if r.HighestDate != nil {
		ev.HighestDate = r.HighestDate.String()
	}
	return ev
}

// Points returns one point per classified day.
func (r CheckinRiskReport) Points() []influxx.Point {
	points := make([]influxx.Point, 0, len(r.RiskLevelPerDate))
	for _, day := range r.Days() {
		level, ok := r.RiskLevelPerDate[day]
		if !ok {
			continue
		}
		points = append(points, influxx.Point{
			Measurement: "checkin_risk",
			Tags:        map[string]string{"owner_id": r.OwnerID.String()},
			Fields: map[string]any{
				"risk_level":    level.String(),
				"high":          level == risk.LevelHigh,
				"checkin_count": len(r.CheckinIDsWithRiskPerDate[day]),
			},
			Time: day.Time(),
		})
	}
	return points
}
