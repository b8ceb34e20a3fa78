package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cwa-risk-core/api/internal/repos"
	"cwa-risk-core/api/internal/service"
	"cwa-risk-core/api/internal/tasks"
	"cwa-risk-core/shared/config"
	"cwa-risk-core/shared/dbx"
	"cwa-risk-core/shared/events"
	"cwa-risk-core/shared/logx"
	"cwa-risk-core/shared/metricsx"
	"cwa-risk-core/shared/mqx"
	"cwa-risk-core/shared/observability"
	"cwa-risk-core/shared/sigx"
)

func main() {
	cfg, problems := config.Load("trace-warning-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	verifier, err := sigx.NewVerifierFromString(cfg.TraceWarningPublicKey)
	if err != nil {
		problems = append(problems, config.Problem{Field: "TRACE_WARNING_PUBLIC_KEY", Message: "invalid public key"})
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

	reader, err := mqx.NewConsumer(cfg, events.TopicTraceWarningPackages, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	})
	defer client.Close()

	ingestor := service.WarningIngestor{
		Opener:    verifier,
		Checkins:  repos.NewCheckinsRepo(dbPool),
		Packages:  repos.NewWarningsRepo(dbPool),
		Retention: time.Duration(cfg.CheckinRetentionDays) * 24 * time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "trace warning consumer started",
		slog.String("topic", events.TopicTraceWarningPackages),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := mqx.ConsumeContext(ctx, msg)
		if id := mqx.HeaderValue(msg, events.HeaderPackageID); id != "" {
			span.SetAttributes(attribute.String("package_header_id", id))
		}
		result, err := ingest(spanCtx, logger, ingestor, msg.Value)
		outcome := service.Outcome(result, err)
		metricsx.IncTraceWarningPackage(outcome)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			span.End()
			if !service.Permanent(err) {
				break
			}
			logger.Warn(ctx, "package_rejected", "trace warning package rejected",
				slog.String("error_code", strings.ToUpper(outcome)),
				slog.String("error", err.Error()),
				slog.Int64("offset", msg.Offset),
			)
		} else {
			span.SetAttributes(
				attribute.Int64("package_id", result.PackageID),
				attribute.Int("matches", result.Matches),
			)
			notify(spanCtx, logger, client, producer, cfg.AsynqQueue, result)
			span.End()
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "trace warning consumer stopped")
}

// ingest retries transient failures until it succeeds, fails permanently or
// ctx ends. The message stays uncommitted while retrying.
func ingest(ctx context.Context, logger logx.Logger, ingestor service.WarningIngestor, data []byte) (service.IngestResult, error) {
	delay := 500 * time.Millisecond
	for {
		result, err := ingestor.Ingest(ctx, data)
		if err == nil || service.Permanent(err) {
			return result, err
		}
		logger.Error(ctx, "package_ingest_failed", "failed to ingest trace warning package",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return service.IngestResult{}, errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

// notify enqueues recalculation for every matched owner and announces the
// matches. Failures are logged; the scheduled scan picks the owners up later.
func notify(ctx context.Context, logger logx.Logger, client *asynq.Client, producer *mqx.Producer, queue string, result service.IngestResult) {
	if result.Duplicate || len(result.Owners) == 0 {
		logger.Info(ctx, "package_ingested", "trace warning package ingested",
			slog.Int64("package_id", result.PackageID),
			slog.Int("warnings", result.Warnings),
			slog.Bool("duplicate", result.Duplicate),
		)
		return
	}

	enqueued, skipped, err := tasks.EnqueueCalculations(ctx, client, result.Owners, "warning_package", queue)
	if err != nil {
		logger.Warn(ctx, "enqueue_failed", "failed to enqueue risk recalculation", logx.ErrorAttrs("UNAVAILABLE", err)...)
	}

	packageID := strconv.FormatInt(result.PackageID, 10)
	now := time.Now().UTC()
	for _, owner := range result.Owners {
		env, err := events.NewEnvelope(owner, "trace_warning_package", packageID, events.EventTraceWarningsMatched,
			events.TraceWarningsMatched{PackageID: result.PackageID, MatchCount: result.Matches}, now)
		if err != nil {
			continue
		}
		value, err := json.Marshal(env)
		if err != nil {
			continue
		}
		headers := map[string]string{
			"event_id":             env.EventID.String(),
			"event_type":           env.EventType,
			events.HeaderPackageID: packageID,
		}
		if err := producer.Publish(ctx, events.TopicCheckinRiskEvents, []byte(owner.String()), value, headers); err != nil {
			logger.Warn(ctx, "publish_failed", "failed to publish match event", logx.ErrorAttrs("UNAVAILABLE", err)...)
			break
		}
	}

	logger.Info(ctx, "package_ingested", "trace warning package ingested",
		slog.Int64("package_id", result.PackageID),
		slog.Int("warnings", result.Warnings),
		slog.Int("matches", result.Matches),
		slog.Int("owners", len(result.Owners)),
		slog.Int("enqueued", enqueued),
		slog.Int("skipped", skipped),
	)
}
