package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cwa-risk-core/api/internal/models"
	"cwa-risk-core/core/checkin"
	"cwa-risk-core/core/risk"
	"cwa-risk-core/core/riskconfig"
	"cwa-risk-core/shared/events"
	"cwa-risk-core/shared/influxx"
	"cwa-risk-core/shared/sigx"
)

var (
	now     = time.Date(2021, 9, 1, 12, 0, 0, 0, time.UTC)
	ownerA  = uuid.MustParse("6f1c1e4e-8a55-4d8b-a37e-5f3c0e0a0001")
	ownerB  = uuid.MustParse("6f1c1e4e-8a55-4d8b-a37e-5f3c0e0a0002")
	visitAt = time.Date(2021, 8, 30, 10, 0, 0, 0, time.UTC)
)

func riskConfig() *riskconfig.Holder {
	h := &riskconfig.Holder{}
	h.Set(risk.Configuration{
		RiskScoreNormalizationDivisor: 1,
		TransmissionRiskValueMapping: []risk.TransmissionRiskValue{
			{TransmissionRiskLevel: 8, TransmissionRiskValue: 1.6},
			{TransmissionRiskLevel: 1, TransmissionRiskValue: 0.1},
		},
		NormalizedTimePerCheckinMapping: risk.Mapping{
			{Range: risk.Range{Min: 0, Max: 15}, RiskLevel: risk.LevelLow},
			{Range: risk.Range{Min: 15, Max: 9999}, RiskLevel: risk.LevelHigh},
		},
		NormalizedTimePerDayMapping: risk.Mapping{
			{Range: risk.Range{Min: 0, Max: 15}, RiskLevel: risk.LevelLow},
			{Range: risk.Range{Min: 15, Max: 9999}, RiskLevel: risk.LevelHigh},
		},
	})
	return h
}

type memoryStore struct {
	checkins []models.Checkin
	matches  []models.TraceTimeIntervalMatch
	packages map[int64]models.TraceWarningPackage
	err      error
}

func (m *memoryStore) ListByOwner(_ context.Context, ownerID uuid.UUID, since time.Time) ([]models.Checkin, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []models.Checkin
	for _, c := range m.checkins {
		if c.OwnerID == ownerID && c.EndDate.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memoryStore) ListByLocations(_ context.Context, ids []string, since time.Time) ([]models.Checkin, error) {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []models.Checkin
	for _, c := range m.checkins {
		if want[c.TraceLocationID] && c.EndDate.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memoryStore) ListMatchesByOwner(_ context.Context, ownerID uuid.UUID) ([]models.TraceTimeIntervalMatch, error) {
	var out []models.TraceTimeIntervalMatch
	for _, mm := range m.matches {
		if mm.OwnerID == ownerID {
			out = append(out, mm)
		}
	}
	return out, nil
}

func (m *memoryStore) IngestPackage(_ context.Context, pkg models.TraceWarningPackage, matches []models.TraceTimeIntervalMatch) (bool, error) {
	if m.packages == nil {
		m.packages = map[int64]models.TraceWarningPackage{}
	}
	if _, seen := m.packages[pkg.PackageID]; seen {
		return false, nil
	}
	m.packages[pkg.PackageID] = pkg
	for i, mm := range matches {
		mm.MatchID = int64(len(m.matches) + i + 1)
		m.matches = append(m.matches, mm)
	}
	return true, nil
}

func seededStore() *memoryStore {
	return &memoryStore{checkins: []models.Checkin{
		{CheckinID: 1, OwnerID: ownerA, TraceLocationID: "cafe", StartDate: visitAt, EndDate: visitAt.Add(time.Hour)},
		{CheckinID: 2, OwnerID: ownerB, TraceLocationID: "cafe", StartDate: visitAt.Add(5 * time.Hour), EndDate: visitAt.Add(6 * time.Hour)},
		{CheckinID: 3, OwnerID: ownerB, TraceLocationID: "gym", StartDate: visitAt, EndDate: visitAt.Add(time.Hour)},
	}}
}

func signedPackage(t *testing.T, key *ecdsa.PrivateKey, pkg checkin.TraceWarningPackage) []byte {
	t.Helper()
	bin, err := json.Marshal(pkg)
	require.NoError(t, err)
	data, err := sigx.BuildPackage(bin, key)
	require.NoError(t, err)
	return data
}

func cafeWarning(trl int) checkin.TraceWarningPackage {
	return checkin.TraceWarningPackage{
		ID: 42,
		Warnings: []checkin.TraceTimeIntervalWarning{{
			TraceLocationID:       "cafe",
			StartIntervalNumber:   checkin.IntervalNumber(visitAt),
			Period:                6,
			TransmissionRiskLevel: trl,
		}},
	}
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestIngestThenCalculateHighRisk(t *testing.T) {
	key := newKey(t)
	store := seededStore()
	ingestor := WarningIngestor{
		Opener:    sigx.NewVerifier(&key.PublicKey),
		Checkins:  store,
		Packages:  store,
		Retention: 14 * 24 * time.Hour,
		Now:       func() time.Time { return now },
	}

	res, err := ingestor.Ingest(context.Background(), signedPackage(t, key, cafeWarning(8)))
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, 1, res.Matches)
	require.Equal(t, []uuid.UUID{ownerA}, res.Owners)

	calc := CheckinRisk{Checkins: store, Matches: store, Config: riskConfig(), Retention: 14 * 24 * time.Hour, Now: func() time.Time { return now }}
	report, err := calc.Calculate(context.Background(), ownerA)
	require.NoError(t, err)
	require.Equal(t, risk.LevelHigh, report.HighestRiskLevel)
	require.NotNil(t, report.HighestDate)
	require.Equal(t, "2021-08-30", report.HighestDate.String())

	ev := report.Event()
	require.Equal(t, "high", ev.HighestRiskLevel)
	require.Equal(t, map[string]string{"2021-08-30": "high"}, ev.RiskLevelPerDate)

	points := report.Points()
	require.Len(t, points, 1)
	require.True(t, points[0].Time.Equal(visitAt.Truncate(24*time.Hour)))
	require.Equal(t, ownerA.String(), points[0].Tags["owner_id"])

	other, err := calc.Calculate(context.Background(), ownerB)
	require.NoError(t, err)
	require.Equal(t, risk.LevelLow, other.HighestRiskLevel)
	require.Nil(t, other.HighestDate)
	require.Empty(t, other.Points())
}

func TestIngestDuplicatePackage(t *testing.T) {
	key := newKey(t)
	store := seededStore()
	ingestor := WarningIngestor{Opener: sigx.NewVerifier(&key.PublicKey), Checkins: store, Packages: store, Retention: 14 * 24 * time.Hour, Now: func() time.Time { return now }}
	data := signedPackage(t, key, cafeWarning(8))

	_, err := ingestor.Ingest(context.Background(), data)
	require.NoError(t, err)
	res, err := ingestor.Ingest(context.Background(), data)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Zero(t, res.Matches)
	require.Len(t, store.matches, 1)
}

func TestIngestRejectsForeignSignature(t *testing.T) {
	store := seededStore()
	ingestor := WarningIngestor{Opener: sigx.NewVerifier(&newKey(t).PublicKey), Checkins: store, Packages: store}
	_, err := ingestor.Ingest(context.Background(), signedPackage(t, newKey(t), cafeWarning(8)))
	require.ErrorIs(t, err, sigx.ErrSignatureInvalid)
	require.Empty(t, store.packages)
}

func TestIngestRejectsInvalidPayload(t *testing.T) {
	key := newKey(t)
	store := seededStore()
	ingestor := WarningIngestor{Opener: sigx.NewVerifier(&key.PublicKey), Checkins: store, Packages: store}

	_, err := ingestor.Ingest(context.Background(), signedPackage(t, key, checkin.TraceWarningPackage{}))
	require.ErrorIs(t, err, ErrInvalidPackage)

	data, err := sigx.BuildPackage([]byte("not json"), key)
	require.NoError(t, err)
	_, err = ingestor.Ingest(context.Background(), data)
	require.ErrorIs(t, err, ErrInvalidPackage)
}

func TestCalculateWithoutConfiguration(t *testing.T) {
	calc := CheckinRisk{Checkins: seededStore(), Matches: seededStore(), Config: &riskconfig.Holder{}}
	_, err := calc.Calculate(context.Background(), ownerA)
	require.ErrorIs(t, err, ErrNoRiskConfiguration)
}

func TestCalculateStoreFailure(t *testing.T) {
	boom := errors.New("boom")
	store := &memoryStore{err: boom}
	calc := CheckinRisk{Checkins: store, Matches: store, Config: riskConfig()}
	_, err := calc.Calculate(context.Background(), ownerA)
	require.ErrorIs(t, err, boom)
}

type resultSink struct {
	stored []models.RiskResult
}

func (s *resultSink) Insert(_ context.Context, r models.RiskResult) (models.RiskResult, error) {
	r.ResultID = uuid.New()
	s.stored = append(s.stored, r)
	return r, nil
}

type publishRecord struct {
	topic string
	key   string
	value []byte
}

type fakePublisher struct {
	sent []publishRecord
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, key []byte, value []byte, _ map[string]string) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, publishRecord{topic: topic, key: string(key), value: value})
	return nil
}

type failingPoints struct{ err error }

func (f failingPoints) WritePoints(context.Context, []influxx.Point) error { return f.err }

func TestRecorderStoresAndPublishes(t *testing.T) {
	store := seededStore()
	store.matches = []models.TraceTimeIntervalMatch{{
		MatchID:               1,
		OwnerID:               ownerA,
		CheckinID:             1,
		PackageID:             42,
		TraceLocationID:       "cafe",
		TransmissionRiskLevel: 8,
		StartIntervalNumber:   checkin.IntervalNumber(visitAt),
		EndIntervalNumber:     checkin.IntervalNumber(visitAt) + 6,
	}}
	sink := &resultSink{}
	pub := &fakePublisher{}
	influxDown := errors.New("influx down")
	rec := Recorder{
		Risk:      CheckinRisk{Checkins: store, Matches: store, Config: riskConfig(), Retention: 14 * 24 * time.Hour, Now: func() time.Time { return now }},
		Results:   sink,
		Publisher: pub,
		Points:    failingPoints{err: influxDown},
	}

	out, err := rec.Record(context.Background(), ownerA, "checkin")
	require.NoError(t, err)
	require.Equal(t, risk.LevelHigh, out.Report.HighestRiskLevel)
	require.NoError(t, out.PublishErr)
	require.ErrorIs(t, out.PointsErr, influxDown)

	require.Len(t, sink.stored, 1)
	require.Equal(t, "high", sink.stored[0].HighestRiskLevel)
	require.Equal(t, "checkin", sink.stored[0].Kind)

	require.Len(t, pub.sent, 1)
	require.Equal(t, events.TopicCheckinRiskEvents, pub.sent[0].topic)
	require.Equal(t, ownerA.String(), pub.sent[0].key)
	var env events.Envelope
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &env))
	require.Equal(t, events.EventCheckinRiskCalculated, env.EventType)
	require.Equal(t, sink.stored[0].ResultID.String(), env.AggregateID)
}

func TestRecorderKeepsResultWhenPublishFails(t *testing.T) {
	store := seededStore()
	sink := &resultSink{}
	brokerDown := errors.New("broker down")
	rec := Recorder{
		Risk:      CheckinRisk{Checkins: store, Matches: store, Config: riskConfig(), Now: func() time.Time { return now }},
		Results:   sink,
		Publisher: &fakePublisher{err: brokerDown},
	}
	out, err := rec.Record(context.Background(), ownerB, "checkin")
	require.NoError(t, err)
	require.ErrorIs(t, out.PublishErr, brokerDown)
	require.Len(t, sink.stored, 1)
	require.Equal(t, "low", sink.stored[0].HighestRiskLevel)
}

func TestIngestOutcome(t *testing.T) {
	require.Equal(t, "ingested", Outcome(IngestResult{}, nil))
	require.Equal(t, "duplicate", Outcome(IngestResult{Duplicate: true}, nil))
	require.Equal(t, "signature_invalid", Outcome(IngestResult{}, sigx.ErrSignatureInvalid))
	require.Equal(t, "malformed", Outcome(IngestResult{}, sigx.ErrPackageMalformed))
	require.Equal(t, "invalid", Outcome(IngestResult{}, ErrInvalidPackage))
	require.Equal(t, "error", Outcome(IngestResult{}, errors.New("db down")))

	require.True(t, Permanent(sigx.ErrSignatureInvalid))
	require.True(t, Permanent(fmt.Errorf("wrap: %w", ErrInvalidPackage)))
	require.False(t, Permanent(errors.New("db down")))
}
