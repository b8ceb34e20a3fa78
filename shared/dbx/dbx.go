package dbx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"cwa-risk-core/shared/config"
)

// NewPool builds a pool from cfg without connecting; the first query or Ping
// dials. Connections carry the service name as application_name.
func NewPool(cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConns)
	poolCfg.MinConns = int32(cfg.DBMinConns)
	poolCfg.MaxConnIdleTime = time.Duration(cfg.DBConnMaxIdleSec) * time.Second
	poolCfg.MaxConnLifetime = time.Duration(cfg.DBConnMaxLifeSec) * time.Second
	poolCfg.HealthCheckPeriod = 30 * time.Second
	if cfg.ServiceName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ServiceName
	}
	return pgxpool.NewWithConfig(context.Background(), poolCfg)
}

// Ping reports whether pool can serve a round trip.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("db pool is nil")
	}
	return pool.Ping(ctx)
}
