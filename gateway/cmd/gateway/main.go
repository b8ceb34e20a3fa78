package main

import (
	"context"
	"errors"
	"fmt"
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

	"cwa-risk-core/gateway/internal/ingress"
	"cwa-risk-core/gateway/internal/routing"
	"cwa-risk-core/shared/config"
	"cwa-risk-core/shared/httpx"
	"cwa-risk-core/shared/logx"
	"cwa-risk-core/shared/metricsx"
	"cwa-risk-core/shared/mqx"
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
	cfg, readyProblems := config.Load("gateway", 8090)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.FromConfig(cfg))
	if err != nil {
		logger.Error(context.Background(), "otel_init_failed", "otel init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		shutdownTracer = nil
	}

	verifier, err := sigx.NewVerifierFromString(cfg.TraceWarningPublicKey)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "TRACE_WARNING_PUBLIC_KEY", Message: "invalid public key"})
	}

	routesPath := strings.TrimSpace(os.Getenv("GATEWAY_ROUTES_PATH"))
	if routesPath == "" {
		if p, err := routing.DefaultRoutesPath(cfg.Env); err == nil {
			routesPath = p
		} else {
			readyProblems = append(readyProblems, config.Problem{Field: "GATEWAY_ROUTES_PATH", Message: "failed to resolve default routes path"})
		}
	}

	var resolver routing.Resolver
	if routesPath != "" {
		resolver, err = routing.Load(routesPath)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "GATEWAY_ROUTES_PATH", Message: err.Error()})
		}
	}

	producers := map[string]*mqx.Producer{}
	publishers := map[string]ingress.Publisher{}
	for name, cluster := range resolver.Config.Clusters {
		clone := cfg
		clone.KafkaBrokers = cluster.Brokers
		if strings.TrimSpace(cluster.ClientID) != "" {
			clone.KafkaClientID = cluster.ClientID
		} else if strings.TrimSpace(cfg.ServiceName) != "" {
			clone.KafkaClientID = cfg.ServiceName + "-" + name
		}
		producer, err := mqx.NewProducer(clone)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: fmt.Sprintf("cluster %s: %v", name, err)})
			continue
		}
		producers[name] = producer
		publishers[name] = producer
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
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	if verifier != nil {
		mux.Handle("POST /api/v1/trace-warnings/packages", ingress.Handler{
			Logger:         logger,
			Opener:         verifier,
			Resolver:       resolver,
			Producers:      publishers,
			DefaultCountry: cfg.DCCCountry,
		})
	}

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

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
			slog.String("routes_path", routesPath),
			slog.Int("clusters", len(producers)),
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
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	for _, producer := range producers {
		_ = producer.Close()
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
