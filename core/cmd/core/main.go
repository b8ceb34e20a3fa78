package main

import (
	"context"
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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cwa-risk-core/core/dccrules"
	"cwa-risk-core/core/internal/handlers"
	"cwa-risk-core/core/riskconfig"
	"cwa-risk-core/shared/cachex"
	"cwa-risk-core/shared/clients/pkgclient"
	"cwa-risk-core/shared/config"
	"cwa-risk-core/shared/httpx"
	"cwa-risk-core/shared/logx"
	"cwa-risk-core/shared/metricsx"
	"cwa-risk-core/shared/observability"
	"cwa-risk-core/shared/sigx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("core", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.FromConfig(cfg))
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracer init failed", logx.ErrorAttrs("FAILED_PRECONDITION", err)...)
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsx.Register()

	fetcher, err := pkgclient.New(cfg)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "TRUST_PIN_SHA256", Message: "failed to initialize trust evaluator"})
		logger.Error(context.Background(), "trust_init_failed", "trust evaluator init failed", logx.ErrorAttrs("FAILED_PRECONDITION", err)...)
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "package cache disabled", logx.ErrorAttrs("FAILED_PRECONDITION", err)...)
			cache = nil
		}
	}
	defer func() { _ = cache.Close() }()

	holder := &riskconfig.Holder{}
	src, err := riskconfig.FromConfig(cfg, fetcher)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "RISK_CONFIG_PATH", Message: err.Error()})
	} else if err := holder.Refresh(context.Background(), src); err != nil {
		logger.Error(context.Background(), "risk_config_load_failed", "risk configuration load failed", logx.ErrorAttrs("FAILED_PRECONDITION", err)...)
	}

	var rules handlers.RulesSource
	if cfg.DCCRulesURL != "" {
		verifier, err := sigx.NewVerifierFromString(cfg.DCCRulesPublicKey)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DCC_RULES_PUBLIC_KEY", Message: "invalid public key"})
		} else {
			provider := &dccrules.Provider{
				URL:      cfg.DCCRulesURL,
				Fetcher:  fetcher,
				Verifier: verifier,
				CacheTTL: time.Duration(cfg.PackageCacheTTLSeconds) * time.Second,
			}
			if cache != nil {
				provider.Cache = cache
			}
			rules = provider
		}
	}

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	if src.URL != "" {
		go refreshRiskConfig(refreshCtx, logger, holder, src, time.Duration(cfg.CheckinRiskIntervalSec)*time.Second)
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
		if _, ok := holder.Get(); !ok {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: risk configuration not loaded",
				map[string]any{"problem": "risk_config_missing"},
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

	handlers.Handlers{
		Logger:     logger,
		RiskConfig: holder,
		Rules:      rules,
		Country:    cfg.DCCCountry,
	}.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	handler := httpx.WrapServeMux(mux, notFound)
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
			slog.String("dcc_country", cfg.DCCCountry),
			slog.Bool("dcc_rules_enabled", rules != nil),
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
	logger.Info(context.Background(), "service_stop", "service stopped")
}

// refreshRiskConfig reloads a remote configuration; failures keep the last
// good one.
func refreshRiskConfig(ctx context.Context, logger logx.Logger, holder *riskconfig.Holder, src riskconfig.Source, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := holder.Refresh(ctx, src); err != nil {
				logger.Warn(ctx, "risk_config_refresh_failed", "risk configuration refresh failed", logx.ErrorAttrs("UNAVAILABLE", err)...)
			}
		}
	}
}
