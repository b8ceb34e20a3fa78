package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"cwa-risk-core/api/internal/models"
)

type LatestStore interface {
	Latest(ctx context.Context, ownerID uuid.UUID, kind string) (models.RiskResult, error)
}

// ResultCache is the subset of cachex.Client used for latest results.
type ResultCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

const defaultLatestTTL = 10 * time.Minute

func latestKey(ownerID uuid.UUID, kind string) string {
	return "risk:latest:" + kind + ":" + ownerID.String()
}

// LatestResults reads an owner's newest stored result through the cache.
// Cache errors fall through to the store.
type LatestResults struct {
	Store LatestStore
	Cache ResultCache
	TTL   time.Duration
}

func (l LatestResults) Latest(ctx context.Context, ownerID uuid.UUID, kind string) (models.RiskResult, error) {
	key := latestKey(ownerID, kind)
	if l.Cache != nil {
		var cached models.RiskResult
		if ok, err := l.Cache.GetJSON(ctx, key, &cached); err == nil && ok {
			return cached, nil
		}
	}
	result, err := l.Store.Latest(ctx, ownerID, kind)
	if err != nil {
		return models.RiskResult{}, err
	}
	if l.Cache != nil {
		_ = l.Cache.SetJSON(ctx, key, result, l.ttl())
	}
	return result, nil
}

func (l LatestResults) ttl() time.Duration {
	if l.TTL > 0 {
		return l.TTL
	}
	return defaultLatestTTL
}
