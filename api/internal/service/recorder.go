package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cwa-risk-core/api/internal/models"
	"cwa-risk-core/shared/events"
	"cwa-risk-core/shared/influxx"
)

type ResultStore interface {
	Insert(ctx context.Context, result models.RiskResult) (models.RiskResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type PointWriter interface {
	WritePoints(ctx context.Context, points []influxx.Point) error
}

// Recorder calculates an owner's check-in risk and fans the result out.
// Results are stored first; the cache, publishing and points are best effort
// and only the latter two are reported through the returned RecordOutcome.
type Recorder struct {
	Risk      CheckinRisk
	Results   ResultStore
	Latest    ResultCache
	LatestTTL time.Duration
	Publisher Publisher
	Points    PointWriter
}

type RecordOutcome struct {
	Report     CheckinRiskReport
	Result     models.RiskResult
	PublishErr error
	PointsErr  error
}

func (r Recorder) Record(ctx context.Context, ownerID uuid.UUID, kind string) (RecordOutcome, error) {
	report, err := r.Risk.Calculate(ctx, ownerID)
	if err != nil {
		return RecordOutcome{}, err
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return RecordOutcome{}, fmt.Errorf("encode report: %w", err)
	}
	stored, err := r.Results.Insert(ctx, models.RiskResult{
		OwnerID:          ownerID,
		Kind:             kind,
		HighestRiskLevel: report.HighestRiskLevel.String(),
		Result:           raw,
		CalculatedAt:     report.CalculatedAt,
	})
	if err != nil {
		return RecordOutcome{}, fmt.Errorf("store result: %w", err)
	}

	out := RecordOutcome{Report: report, Result: stored}
	if r.Latest != nil {
		_ = r.Latest.SetJSON(ctx, latestKey(ownerID, kind), stored, LatestResults{TTL: r.LatestTTL}.ttl())
	}
	if r.Publisher != nil {
		out.PublishErr = r.publish(ctx, stored, report)
	}
	if r.Points != nil {
		if points := report.Points(); len(points) > 0 {
			out.PointsErr = r.Points.WritePoints(ctx, points)
		}
	}
	return out, nil
}

func (r Recorder) publish(ctx context.Context, stored models.RiskResult, report CheckinRiskReport) error {
	env, err := events.NewEnvelope(stored.OwnerID, "risk_result", stored.ResultID.String(), events.EventCheckinRiskCalculated, report.Event(), report.CalculatedAt)
	if err != nil {
		return err
	}
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	headers := map[string]string{
		"event_id":   env.EventID.String(),
		"event_type": env.EventType,
		"owner_id":   env.OwnerID.String(),
	}
	return r.Publisher.Publish(ctx, events.TopicCheckinRiskEvents, []byte(stored.OwnerID.String()), value, headers)
}
