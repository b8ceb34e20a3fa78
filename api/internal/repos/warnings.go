package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cwa-risk-core/api/internal/models"
)

type WarningsRepo struct {
	pool *pgxpool.Pool
}

func NewWarningsRepo(pool *pgxpool.Pool) *WarningsRepo {
	return &WarningsRepo{pool: pool}
}

// IngestPackage records a package and its matches atomically. It reports
// false without writing matches when the package was already ingested.
func (r *WarningsRepo) IngestPackage(ctx context.Context, pkg models.TraceWarningPackage, matches []models.TraceTimeIntervalMatch) (bool, error) {
	inserted := false
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		if pkg.ReceivedAt.IsZero() {
			pkg.ReceivedAt = time.Now().UTC()
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO trace_warning_packages (package_id, warning_count, match_count, received_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (package_id) DO NOTHING
		`, pkg.PackageID, pkg.WarningCount, len(matches), pkg.ReceivedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true
		return insertMatches(ctx, tx, matches)
	})
	return inserted, err
}

func insertMatches(ctx context.Context, db DBTX, matches []models.TraceTimeIntervalMatch) error {
	now := time.Now().UTC()
	for _, m := range matches {
		if _, err := db.Exec(ctx, `
			INSERT INTO trace_time_interval_matches (
				owner_id, checkin_id, package_id, trace_location_id, transmission_risk_level, start_interval_number, end_interval_number, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, m.OwnerID, m.CheckinID, m.PackageID, m.TraceLocationID, m.TransmissionRiskLevel, m.StartIntervalNumber, m.EndIntervalNumber, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *WarningsRepo) ListMatchesByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.TraceTimeIntervalMatch, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT match_id, owner_id, checkin_id, package_id, trace_location_id, transmission_risk_level, start_interval_number, end_interval_number, created_at
		FROM trace_time_interval_matches
		WHERE owner_id = $1
		ORDER BY match_id ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []models.TraceTimeIntervalMatch
	for rows.Next() {
		var m models.TraceTimeIntervalMatch
		if err := rows.Scan(&m.MatchID, &m.OwnerID, &m.CheckinID, &m.PackageID, &m.TraceLocationID, &m.TransmissionRiskLevel, &m.StartIntervalNumber, &m.EndIntervalNumber, &m.CreatedAt); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
