// Package ingress accepts signed trace warning packages over HTTP and hands
// them to Kafka unchanged once their signature and content check out.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"cwa-risk-core/core/checkin"
	"cwa-risk-core/gateway/internal/routing"
	"cwa-risk-core/shared/events"
	"cwa-risk-core/shared/httpx"
	"cwa-risk-core/shared/logx"
	"cwa-risk-core/shared/metricsx"
	"cwa-risk-core/shared/sigx"
)

const DefaultMaxBytes = 4 << 20

type PackageOpener interface {
	Open(data []byte) ([]byte, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type Handler struct {
	Logger         logx.Logger
	Opener         PackageOpener
	Resolver       routing.Resolver
	Producers      map[string]Publisher
	DefaultCountry string
	MaxBytes       int64
}

type acceptedResponse struct {
	PackageID int64  `json:"package_id"`
	Warnings  int    `json:"warnings"`
	Country   string `json:"country"`
	Cluster   string `json:"cluster"`
	Topic     string `json:"topic"`
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	maxBytes := h.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "INVALID_ARGUMENT", "package too large", map[string]any{"max_bytes": maxBytes})
			return
		}
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "failed to read body", nil)
		return
	}
	if len(data) == 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "request body required", nil)
		return
	}

	pkg, err := h.inspect(data)
	if err != nil {
		h.reject(w, r, err)
		return
	}

	country := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("country")))
	if country == "" {
		country = h.DefaultCountry
	}
	target, ok := h.Resolver.Resolve(country, events.TopicTraceWarningPackages)
	if !ok {
		httpx.WriteError(w, r, http.StatusBadRequest, "FAILED_PRECONDITION", "no route for country", map[string]any{"country": country})
		return
	}
	producer, ok := h.Producers[target.Cluster]
	if !ok || producer == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "cluster producer unavailable", map[string]any{"cluster": target.Cluster})
		return
	}

	packageID := strconv.FormatInt(pkg.ID, 10)
	headers := map[string]string{
		events.HeaderPackageID: packageID,
		"country":              country,
		"request_id":           httpx.RequestIDFromContext(r.Context()),
	}
	if err := producer.Publish(r.Context(), target.Topic, []byte(packageID), data, headers); err != nil {
		metricsx.IncPackageFailure("publish")
		h.Logger.Error(r.Context(), "package_publish_failed", "failed to publish trace warning package",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
			slog.String("cluster", target.Cluster),
		)
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "failed to publish package", nil)
		return
	}

	h.Logger.Info(r.Context(), "package_accepted", "trace warning package accepted",
		slog.Int64("package_id", pkg.ID),
		slog.Int("warnings", len(pkg.Warnings)),
		slog.String("country", country),
		slog.String("cluster", target.Cluster),
	)
	httpx.WriteJSON(w, http.StatusAccepted, acceptedResponse{
		PackageID: pkg.ID,
		Warnings:  len(pkg.Warnings),
		Country:   country,
		Cluster:   target.Cluster,
		Topic:     target.Topic,
	})
}

var errInvalidContent = errors.New("invalid package content")

func (h Handler) inspect(data []byte) (checkin.TraceWarningPackage, error) {
	bin, err := h.Opener.Open(data)
	if err != nil {
		return checkin.TraceWarningPackage{}, err
	}
	var pkg checkin.TraceWarningPackage
	if err := json.Unmarshal(bin, &pkg); err != nil {
		return checkin.TraceWarningPackage{}, errors.Join(errInvalidContent, err)
	}
	if err := pkg.Validate(); err != nil {
		return checkin.TraceWarningPackage{}, errors.Join(errInvalidContent, err)
	}
	return pkg, nil
}

func (h Handler) reject(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sigx.ErrSignatureInvalid):
		metricsx.IncPackageFailure("signature_invalid")
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "SIGNATURE_INVALID", "package signature invalid", nil)
	case errors.Is(err, sigx.ErrPackageMalformed):
		metricsx.IncPackageFailure("malformed")
		httpx.WriteError(w, r, http.StatusBadRequest, "PACKAGE_MALFORMED", "package malformed", nil)
	case errors.Is(err, errInvalidContent):
		metricsx.IncPackageFailure("invalid")
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid trace warning package", map[string]any{"error": err.Error()})
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to inspect package", nil)
	}
}
