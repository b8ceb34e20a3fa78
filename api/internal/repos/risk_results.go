package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"cwa-risk-core/api/internal/models"
)

const RiskKindCheckin = "checkin"

type RiskResultsRepo struct {
	pool *pgxpool.Pool
}

func NewRiskResultsRepo(pool *pgxpool.Pool) *RiskResultsRepo {
	return &RiskResultsRepo{pool: pool}
}

func (r *RiskResultsRepo) Insert(ctx context.Context, result models.RiskResult) (models.RiskResult, error) {
	if result.ResultID == uuid.Nil {
		result.ResultID = uuid.New()
	}
	if result.CalculatedAt.IsZero() {
		result.CalculatedAt = time.Now().UTC()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO risk_results (result_id, owner_id, kind, highest_risk_level, result, calculated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING result_id, owner_id, kind, highest_risk_level, result, calculated_at
	`, result.ResultID, result.OwnerID, result.Kind, result.HighestRiskLevel, []byte(result.Result), result.CalculatedAt).
		Scan(&result.ResultID, &result.OwnerID, &result.Kind, &result.HighestRiskLevel, &result.Result, &result.CalculatedAt)
	return result, err
}

// Latest returns pgx.ErrNoRows when nothing was calculated yet.
func (r *RiskResultsRepo) Latest(ctx context.Context, ownerID uuid.UUID, kind string) (models.RiskResult, error) {
	var result models.RiskResult
	err := r.pool.QueryRow(ctx, `
		SELECT result_id, owner_id, kind, highest_risk_level, result, calculated_at
		FROM risk_results
		WHERE owner_id = $1 AND kind = $2
		ORDER BY calculated_at DESC
		LIMIT 1
	`, ownerID, kind).
		Scan(&result.ResultID, &result.OwnerID, &result.Kind, &result.HighestRiskLevel, &result.Result, &result.CalculatedAt)
	return result, err
}
