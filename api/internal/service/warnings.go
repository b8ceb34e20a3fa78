package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"cwa-risk-core/api/internal/models"
	"cwa-risk-core/core/checkin"
	"cwa-risk-core/shared/sigx"
)

var ErrInvalidPackage = errors.New("invalid trace warning package")

// PackageOpener verifies a signed package and returns its payload.
type PackageOpener interface {
	Open(data []byte) ([]byte, error)
}

type LocationCheckinLister interface {
	ListByLocations(ctx context.Context, traceLocationIDs []string, since time.Time) ([]models.Checkin, error)
}

type PackageStore interface {
	IngestPackage(ctx context.Context, pkg models.TraceWarningPackage, matches []models.TraceTimeIntervalMatch) (bool, error)
}

type WarningIngestor struct {
	Opener    PackageOpener
	Checkins  LocationCheckinLister
	Packages  PackageStore
	Retention time.Duration
	Now       func() time.Time
}

type IngestResult struct {
	PackageID int64
	Warnings  int
	Matches   int
	Duplicate bool
	// Owners lists the owners that received new matches, sorted.
	Owners []uuid.UUID
}

// Ingest verifies a signed trace warning package, matches its warnings against
// retained check-ins and stores the matches. A package seen before is
// reported as duplicate and leaves storage unchanged.
func (w WarningIngestor) Ingest(ctx context.Context, data []byte) (IngestResult, error) {
	bin, err := w.Opener.Open(data)
	if err != nil {
		return IngestResult{}, err
	}
	var pkg checkin.TraceWarningPackage
	if err := json.Unmarshal(bin, &pkg); err != nil {
		return IngestResult{}, fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}
	if err := pkg.Validate(); err != nil {
		return IngestResult{}, fmt.Errorf("%w: %w", ErrInvalidPackage, err)
	}

	now := time.Now().UTC()
	if w.Now != nil {
		now = w.Now()
	}
	rows, err := w.Checkins.ListByLocations(ctx, pkg.LocationIDs(), now.Add(-w.Retention))
	if err != nil {
		return IngestResult{}, fmt.Errorf("list checkins: %w", err)
	}
	ownerOf := make(map[int64]uuid.UUID, len(rows))
	for _, c := range rows {
		ownerOf[c.CheckinID] = c.OwnerID
	}

	found := checkin.MatchWarnings(pkg, toDomainCheckins(rows))
	matches := make([]models.TraceTimeIntervalMatch, 0, len(found))
	owners := map[uuid.UUID]struct{}{}
	for _, m := range found {
		owner := ownerOf[m.CheckinID]
		owners[owner] = struct{}{}
		matches = append(matches, models.TraceTimeIntervalMatch{
			OwnerID:               owner,
			CheckinID:             m.CheckinID,
			PackageID:             pkg.ID,
			TraceLocationID:       m.TraceLocationID,
			TransmissionRiskLevel: m.TransmissionRiskLevel,
			StartIntervalNumber:   m.StartIntervalNumber,
			EndIntervalNumber:     m.EndIntervalNumber,
		})
	}

	inserted, err := w.Packages.IngestPackage(ctx, models.TraceWarningPackage{
		PackageID:    pkg.ID,
		WarningCount: len(pkg.Warnings),
		MatchCount:   len(matches),
		ReceivedAt:   now,
	}, matches)
	if err != nil {
		return IngestResult{}, fmt.Errorf("store package: %w", err)
	}

	result := IngestResult{PackageID: pkg.ID, Warnings: len(pkg.Warnings), Duplicate: !inserted}
	if !inserted {
		return result, nil
	}
	result.Matches = len(matches)
	for owner := range owners {
		result.Owners = append(result.Owners, owner)
	}
	sort.Slice(result.Owners, func(i, j int) bool { return result.Owners[i].String() < result.Owners[j].String() })
	return result, nil
}

// Outcome labels an ingest attempt for metrics and logs.
func Outcome(res IngestResult, err error) string {
	switch {
	case err == nil && res.Duplicate:
		return "duplicate"
	case err == nil:
		return "ingested"
	case errors.Is(err, sigx.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, sigx.ErrPackageMalformed):
		return "malformed"
	case errors.Is(err, ErrInvalidPackage):
		return "invalid"
	default:
		return "error"
	}
}

// Permanent reports whether retrying the same bytes can never succeed.
func Permanent(err error) bool {
	return errors.Is(err, sigx.ErrSignatureInvalid) ||
		errors.Is(err, sigx.ErrPackageMalformed) ||
		errors.Is(err, ErrInvalidPackage)
}
