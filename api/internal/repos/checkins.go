package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"cwa-risk-core/api/internal/models"
)

var ErrInvalidCheckin = errors.New("check-in end must not be before start")

type CheckinsRepo struct {
	pool *pgxpool.Pool
}

func NewCheckinsRepo(pool *pgxpool.Pool) *CheckinsRepo {
	return &CheckinsRepo{pool: pool}
}

const checkinColumns = `checkin_id, owner_id, trace_location_id, start_date, end_date, created_at`

func (r *CheckinsRepo) CreateCheckin(ctx context.Context, ownerID uuid.UUID, traceLocationID string, start time.Time, end time.Time) (models.Checkin, error) {
	if end.Before(start) {
		return models.Checkin{}, ErrInvalidCheckin
	}
	var c models.Checkin
	err := r.pool.QueryRow(ctx, `
		INSERT INTO checkins (owner_id, trace_location_id, start_date, end_date, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+checkinColumns,
		ownerID, traceLocationID, start.UTC(), end.UTC(), time.Now().UTC()).
		Scan(&c.CheckinID, &c.OwnerID, &c.TraceLocationID, &c.StartDate, &c.EndDate, &c.CreatedAt)
	return c, err
}

func (r *CheckinsRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, since time.Time) ([]models.Checkin, error) {
	return r.list(ctx, `
		SELECT `+checkinColumns+`
		FROM checkins
		WHERE owner_id = $1 AND end_date > $2
		ORDER BY start_date ASC
	`, ownerID, since)
}

// ListByLocations returns every owner's check-ins at the given locations.
func (r *CheckinsRepo) ListByLocations(ctx context.Context, traceLocationIDs []string, since time.Time) ([]models.Checkin, error) {
	if len(traceLocationIDs) == 0 {
		return nil, nil
	}
	return r.list(ctx, `
		SELECT `+checkinColumns+`
		FROM checkins
		WHERE trace_location_id = ANY($1) AND end_date > $2
		ORDER BY checkin_id ASC
	`, traceLocationIDs, since)
}

// DeleteOlderThan removes check-ins that ended before cutoff; their matches
// cascade.
func (r *CheckinsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM checkins WHERE end_date < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *CheckinsRepo) list(ctx context.Context, query string, args ...any) ([]models.Checkin, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkins []models.Checkin
	for rows.Next() {
		var c models.Checkin
		if err := rows.Scan(&c.CheckinID, &c.OwnerID, &c.TraceLocationID, &c.StartDate, &c.EndDate, &c.CreatedAt); err != nil {
			return nil, err
		}
		checkins = append(checkins, c)
	}
	return checkins, rows.Err()
}
