package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OwnerID       uuid.UUID       `json:"owner_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	// TopicTraceWarningPackages carries signed trace-warning packages as raw
	// zip bytes, not envelopes.
	TopicTraceWarningPackages = "trace.warning.packages"
	TopicCheckinRiskEvents    = "risk.checkin.events"
)

const (
	EventCheckinRiskCalculated = "risk.checkin.calculated"
	EventTraceWarningsMatched  = "trace.warnings.matched"
)

// HeaderPackageID names the Kafka header holding the warning package id.
const HeaderPackageID = "x-package-id"

func NewEnvelope(ownerID uuid.UUID, aggregateType string, aggregateID string, eventType string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.New(),
		OwnerID:       ownerID,
		OccurredAt:    now.UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}

type CheckinRiskCalculated struct {
	HighestRiskLevel string            `json:"highest_risk_level"`
	HighestDate      string            `json:"highest_date,omitempty"`
	RiskLevelPerDate map[string]string `json:"risk_level_per_date"`
	CheckinCount     int               `json:"checkin_count"`
	MatchCount       int               `json:"match_count"`
}

type TraceWarningsMatched struct {
	PackageID  int64 `json:"package_id"`
	MatchCount int   `json:"match_count"`
}
