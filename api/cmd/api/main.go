package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cwa-risk-core/api/internal/middleware"
	"cwa-risk-core/api/internal/models"
	"cwa-risk-core/api/internal/repos"
	"cwa-risk-core/api/internal/service"
	"cwa-risk-core/api/internal/tasks"
	"cwa-risk-core/core/riskconfig"
	"cwa-risk-core/shared/authx"
	"cwa-risk-core/shared/cachex"
	"cwa-risk-core/shared/clients/pkgclient"
	"cwa-risk-core/shared/config"
	"cwa-risk-core/shared/dbx"
	"cwa-risk-core/shared/httpx"
	"cwa-risk-core/shared/logx"
	"cwa-risk-core/shared/metricsx"
	"cwa-risk-core/shared/observability"
	"cwa-risk-core/shared/ownerx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type createCheckinRequest struct {
	TraceLocationID string    `json:"trace_location_id"`
	StartDate       time.Time `json:"checkin_start_date"`
	EndDate         time.Time `json:"checkin_end_date"`
}

type checkinResponse struct {
	ID              int64     `json:"id"`
	TraceLocationID string    `json:"trace_location_id"`
	StartDate       time.Time `json:"checkin_start_date"`
	EndDate         time.Time `json:"checkin_end_date"`
	CreatedAt       time.Time `json:"created_at"`
}

func toCheckinResponse(c models.Checkin) checkinResponse {
	return checkinResponse{
		ID:              c.CheckinID,
		TraceLocationID: c.TraceLocationID,
		StartDate:       c.StartDate.UTC(),
		EndDate:         c.EndDate.UTC(),
		CreatedAt:       c.CreatedAt.UTC(),
	}
}

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.FromConfig(cfg))
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracer init failed", logx.ErrorAttrs("FAILED_PRECONDITION", err)...)
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracer(context.Background()) }()
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else if cfg.MigrationsDir != "" {
			migrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			applied, err := dbx.MigrateDir(migrateCtx, dbPool, cfg.MigrationsDir)
			cancel()
			if err != nil {
				readyProblems = append(readyProblems, config.Problem{Field: "MIGRATIONS_DIR", Message: "failed to apply migrations"})
				logger.Error(context.Background(), "db_migrate_failed", "database migration failed", logx.ErrorAttrs("FAILED_PRECONDITION", err)...)
			} else {
				logger.Info(context.Background(), "db_migrated", "database migrations applied", slog.Any("applied", applied))
			}
		}
	}

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	fetcher, err := pkgclient.New(cfg)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "TRUST_PIN_SHA256", Message: "failed to initialize trust evaluator"})
	}
	holder := &riskconfig.Holder{}
	if src, err := riskconfig.FromConfig(cfg, fetcher); err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "RISK_CONFIG_PATH", Message: err.Error()})
	} else if err := holder.Refresh(context.Background(), src); err != nil {
		logger.Error(context.Background(), "risk_config_load_failed", "risk configuration load failed", logx.ErrorAttrs("FAILED_PRECONDITION", err)...)
	}

	latestResults := service.LatestResults{Store: repos.NewRiskResultsRepo(dbPool)}
	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "result cache disabled", logx.ErrorAttrs("FAILED_PRECONDITION", err)...)
		} else {
			defer func() { _ = cache.Close() }()
			latestResults.Cache = cache
		}
	}
	var enqueuer tasks.Enqueuer
	if cfg.AsynqEnabled && cfg.AsynqRedisAddr != "" {
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.AsynqRedisAddr,
			Password: cfg.AsynqRedisPass,
			DB:       cfg.AsynqRedisDB,
		})
		defer client.Close()
		enqueuer = client
	}
	ownersRepo := repos.NewOwnersRepo(dbPool)
	checkinsRepo := repos.NewCheckinsRepo(dbPool)
	warningsRepo := repos.NewWarningsRepo(dbPool)
	retention := time.Duration(cfg.CheckinRetentionDays) * 24 * time.Hour
	checkinRisk := service.CheckinRisk{
		Checkins:  checkinsRepo,
		Matches:   warningsRepo,
		Config:    holder,
		Retention: retention,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing owner context", nil)
			return
		}
		auth, _ := authx.FromContext(r.Context())
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"owner_id":         owner.ID,
			"subject":          owner.Subject,
			"scopes":           auth.Scopes,
			"token_expires_at": auth.ExpiresAt,
		})
	})
	mux.HandleFunc("POST /api/v1/checkins", func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing owner context", nil)
			return
		}
		var req createCheckinRequest
		if err := httpx.DecodeJSON(w, r, 64<<10, &req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
			return
		}
		req.TraceLocationID = strings.TrimSpace(req.TraceLocationID)
		if req.TraceLocationID == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "trace_location_id is required", nil)
			return
		}
		record, err := checkinsRepo.CreateCheckin(r.Context(), owner.ID, req.TraceLocationID, req.StartDate, req.EndDate)
		if err != nil {
			if errors.Is(err, repos.ErrInvalidCheckin) {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
				return
			}
			logger.Error(r.Context(), "checkin_create_failed", "failed to create checkin", logx.ErrorAttrs("INTERNAL_ERROR", err)...)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create checkin", nil)
			return
		}
		if enqueuer != nil {
			if _, _, err := tasks.EnqueueCalculations(r.Context(), enqueuer, []uuid.UUID{owner.ID}, "checkin_created", cfg.AsynqQueue); err != nil {
				logger.Warn(r.Context(), "enqueue_failed", "failed to enqueue risk recalculation", logx.ErrorAttrs("UNAVAILABLE", err)...)
			}
		}
		httpx.WriteJSON(w, http.StatusCreated, toCheckinResponse(record))
	})
	mux.HandleFunc("GET /api/v1/checkins", func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing owner context", nil)
			return
		}
		records, err := checkinsRepo.ListByOwner(r.Context(), owner.ID, time.Now().UTC().Add(-retention))
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list checkins", nil)
			return
		}
		items := make([]checkinResponse, 0, len(records))
		for _, c := range records {
			items = append(items, toCheckinResponse(c))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
	})
	mux.HandleFunc("GET /api/v1/risk/checkins", func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing owner context", nil)
			return
		}
		start := time.Now()
		report, err := checkinRisk.Calculate(r.Context(), owner.ID)
		metricsx.ObserveRiskCalculationLatency("checkin", time.Since(start))
		if err != nil {
			if errors.Is(err, service.ErrNoRiskConfiguration) {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", err.Error(), nil)
				return
			}
			logger.Error(r.Context(), "checkin_risk_failed", "check-in risk calculation failed", logx.ErrorAttrs("INTERNAL_ERROR", err)...)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "risk calculation failed", nil)
			return
		}
		metricsx.IncRiskCalculation("checkin", report.HighestRiskLevel.String())
		httpx.WriteJSON(w, http.StatusOK, report)
	})
	mux.HandleFunc("GET /api/v1/risk/checkins/latest", func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing owner context", nil)
			return
		}
		result, err := latestResults.Latest(r.Context(), owner.ID, repos.RiskKindCheckin)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no risk result yet", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load risk result", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"result_id":          result.ResultID,
			"highest_risk_level": result.HighestRiskLevel,
			"calculated_at":      result.CalculatedAt,
			"result":             json.RawMessage(result.Result),
		})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipProbes := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}
	handler := httpx.WrapServeMux(mux, notFound)
	var dbGate middleware.Pinger
	if dbPool != nil {
		dbGate = dbPool
	}
	handler = middleware.DBRequiredMiddleware{
		DB:   dbGate,
		Skip: skipProbes,
	}.Wrap(handler)
	handler = middleware.OwnerMiddleware{
		Owners: ownersRepo,
		Skip:   skipProbes,
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewKeyRateLimiter(5, 20, 2*time.Minute),
		Cost:    requestCost,
		Skip:    skipProbes,
	}.Wrap(handler)
	var tokens middleware.TokenVerifier
	if verifier != nil {
		tokens = verifier
	}
	handler = middleware.AuthMiddleware{
		Verifier: tokens,
		Scope:    requiredScope,
		Skip:     skipProbes,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = metricsx.Instrument(handler)
	handler = otelhttp.NewHandler(handler, cfg.ServiceName)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Int("checkin_retention_days", cfg.CheckinRetentionDays),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed", slog.String("error_code", "INTERNAL_ERROR"), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed", slog.String("error_code", "INTERNAL_ERROR"), slog.String("error", err.Error()))
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

// requiredScope maps routes to token scopes. Writes need checkins:write and
// risk reads need risk:read; /api/v1/me needs no scope.
func requiredScope(r *http.Request) string {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/checkins":
		return "checkins:write"
	case strings.HasPrefix(r.URL.Path, "/api/v1/checkins"), strings.HasPrefix(r.URL.Path, "/api/v1/risk/"):
		return "risk:read"
	default:
		return ""
	}
}

// requestCost charges risk recomputation from storage more than plain reads.
func requestCost(r *http.Request) float64 {
	switch {
	case r.Method == http.MethodPost:
		return 2
	case r.URL.Path == "/api/v1/risk/checkins":
		return 4
	default:
		return 1
	}
}
