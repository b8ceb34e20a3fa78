package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"cwa-risk-core/api/internal/repos"
	"cwa-risk-core/api/internal/service"
	"cwa-risk-core/api/internal/tasks"
	"cwa-risk-core/core/riskconfig"
	"cwa-risk-core/shared/cachex"
	"cwa-risk-core/shared/clients/pkgclient"
	"cwa-risk-core/shared/config"
	"cwa-risk-core/shared/dbx"
	"cwa-risk-core/shared/influxx"
	"cwa-risk-core/shared/lockx"
	"cwa-risk-core/shared/logx"
	"cwa-risk-core/shared/metricsx"
	"cwa-risk-core/shared/mqx"
	"cwa-risk-core/shared/observability"
)

func main() {
	cfg, problems := config.Load("risk-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if shutdown, err := observability.InitTracer(context.Background(), observability.FromConfig(cfg)); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer func() { _ = cache.Close() }()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	err = cache.Ping(pingCtx)
	cancelPing()
	if err != nil {
		logger.Error(context.Background(), "redis_unreachable", "redis ping failed", logx.ErrorAttrs("UNAVAILABLE", err)...)
		os.Exit(1)
	}

	fetcher, err := pkgclient.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "trust_init_failed", "trust evaluator init failed", logx.ErrorAttrs("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	holder := &riskconfig.Holder{}
	src, err := riskconfig.FromConfig(cfg, fetcher)
	if err != nil {
		logger.Error(context.Background(), "risk_config_invalid", "risk configuration source invalid", logx.ErrorAttrs("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	if err := holder.Refresh(context.Background(), src); err != nil {
		logger.Error(context.Background(), "risk_config_load_failed", "risk configuration load failed", logx.ErrorAttrs("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}

	var publisher service.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer
	}

	var points service.PointWriter
	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx disabled", logx.ErrorAttrs("FAILED_PRECONDITION", err)...)
		} else {
			defer influx.Close()
			points = influx
		}
	}

	ownersRepo := repos.NewOwnersRepo(dbPool)
	checkinsRepo := repos.NewCheckinsRepo(dbPool)
	warningsRepo := repos.NewWarningsRepo(dbPool)
	resultsRepo := repos.NewRiskResultsRepo(dbPool)
	retention := time.Duration(cfg.CheckinRetentionDays) * 24 * time.Hour
	recorder := service.Recorder{
		Risk: service.CheckinRisk{
			Checkins:  checkinsRepo,
			Matches:   warningsRepo,
			Config:    holder,
			Retention: retention,
		},
		Results:   resultsRepo,
		Latest:    cache,
		Publisher: publisher,
		Points:    points,
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
		RetryDelayFunc: tasks.RetryDelay,
		IsFailure:      tasks.IsFailure,
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeCheckinRiskScan, func(ctx context.Context, t *asynq.Task) error {
		cutoff := time.Now().UTC().Add(-retention)
		if err := holder.Refresh(ctx, src); err != nil {
			logger.Warn(ctx, "risk_config_refresh_failed", "risk configuration refresh failed", logx.ErrorAttrs("UNAVAILABLE", err)...)
		}
		deleted, err := checkinsRepo.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}
		owners, err := ownersRepo.ListActiveOwners(ctx, cutoff)
		if err != nil {
			return err
		}
		enqueued, skipped, err := tasks.EnqueueCalculations(ctx, client, owners, "scan", cfg.AsynqQueue)
		logger.Info(ctx, "checkin_risk_scan", "check-in risk scan finished",
			slog.Int64("checkins_deleted", deleted),
			slog.Int("owners", len(owners)),
			slog.Int("enqueued", enqueued),
			slog.Int("skipped", skipped),
		)
		return err
	})
	mux.HandleFunc(tasks.TypeCheckinRiskCalculate, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, tasks.TypeCheckinRiskCalculate)
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()

		payload, err := tasks.ParseCalculatePayload(t.Payload())
		if err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		span.SetAttributes(attribute.String("owner_id", payload.OwnerID.String()))
		return calculate(ctx, logger, cache.Client(), recorder, payload)
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.CheckinRiskIntervalSec)+"s", asynq.NewTask(tasks.TypeCheckinRiskScan, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "risk worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Int("scan_interval_sec", cfg.CheckinRiskIntervalSec),
			slog.Bool("publish_enabled", publisher != nil),
			slog.Bool("influx_enabled", points != nil),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "risk worker stopped")
}

// calculate serializes recalculation per owner across worker replicas. A held
// lock means another replica is recalculating from inputs that may predate
// this task, so the task is retried once the lock is free.
func calculate(ctx context.Context, logger logx.Logger, rdb *redis.Client, recorder service.Recorder, payload tasks.CalculatePayload) error {
	key := "lock:checkin-risk:" + payload.OwnerID.String()
	var outcome service.RecordOutcome
	start := time.Now()
	acquired, err := lockx.Do(ctx, rdb, key, 30*time.Second, func(ctx context.Context) error {
		var err error
		outcome, err = recorder.Record(ctx, payload.OwnerID, repos.RiskKindCheckin)
		return err
	})
	if err != nil {
		if errors.Is(err, service.ErrNoRiskConfiguration) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	}
	if !acquired {
		logger.Debug(ctx, "checkin_risk_locked", "recalculation already running", slog.String("owner_id", payload.OwnerID.String()))
		return fmt.Errorf("%w: %s", tasks.ErrOwnerBusy, payload.OwnerID)
	}
	metricsx.ObserveRiskCalculationLatency("checkin", time.Since(start))
	metricsx.IncRiskCalculation("checkin", outcome.Report.HighestRiskLevel.String())
	if outcome.PublishErr != nil {
		logger.Warn(ctx, "checkin_risk_publish_failed", "risk event publish failed", logx.ErrorAttrs("UNAVAILABLE", outcome.PublishErr)...)
	}
	if outcome.PointsErr != nil {
		metricsx.IncInfluxWriteFailure()
		logger.Warn(ctx, "checkin_risk_points_failed", "risk points write failed", logx.ErrorAttrs("UNAVAILABLE", outcome.PointsErr)...)
	}
	logger.Info(ctx, "checkin_risk_calculated", "check-in risk calculated",
		slog.String("owner_id", payload.OwnerID.String()),
		slog.String("reason", payload.Reason),
		slog.String("highest_risk_level", outcome.Report.HighestRiskLevel.String()),
		slog.Int("checkins", outcome.Report.CheckinCount),
		slog.Int("matches", outcome.Report.MatchCount),
	)
	return nil
}
