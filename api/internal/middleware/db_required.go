package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"cwa-risk-core/shared/httpx"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// DBRequiredMiddleware rejects requests while the database is unreachable.
// The result of a ping is reused for Interval.
type DBRequiredMiddleware struct {
	DB       Pinger
	Interval time.Duration
	Skip     func(*http.Request) bool

	state *dbState
}

type dbState struct {
	mu        sync.Mutex
	checkedAt time.Time
	healthy   bool
}

func (m DBRequiredMiddleware) Wrap(next http.Handler) http.Handler {
	if m.state == nil {
		m.state = &dbState{}
	}
	if m.Interval <= 0 {
		m.Interval = 2 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.DB == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database not configured", nil)
			return
		}
		if !m.healthy(r.Context()) {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "database unavailable", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m DBRequiredMiddleware) healthy(ctx context.Context) bool {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	if !m.state.checkedAt.IsZero() && time.Since(m.state.checkedAt) < m.Interval {
		return m.state.healthy
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	m.state.healthy = m.DB.Ping(pingCtx) == nil
	m.state.checkedAt = time.Now()
	return m.state.healthy
}
