package repos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"cwa-risk-core/api/internal/models"
)

type OwnersRepo struct {
	pool *pgxpool.Pool
}

func NewOwnersRepo(pool *pgxpool.Pool) *OwnersRepo {
	return &OwnersRepo{pool: pool}
}

// EnsureOwner returns the owner for an authenticated subject, creating it on
// first use.
func (r *OwnersRepo) EnsureOwner(ctx context.Context, subject string) (models.Owner, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return models.Owner{}, errors.New("subject is required")
	}
	var owner models.Owner
	err := r.pool.QueryRow(ctx, `
		INSERT INTO owners (owner_id, subject, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject) DO UPDATE SET subject = EXCLUDED.subject
		RETURNING owner_id, subject, created_at
	`, uuid.New(), subject, time.Now().UTC()).
		Scan(&owner.OwnerID, &owner.Subject, &owner.CreatedAt)
	return owner, err
}

// ListActiveOwners returns owners with at least one check-in ending after since.
func (r *OwnersRepo) ListActiveOwners(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT owner_id
		FROM checkins
		WHERE end_date > $1
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
