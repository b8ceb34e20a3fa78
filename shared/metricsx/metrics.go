package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	riskCalculations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_calculations_total",
			Help: "Risk calculations by kind and resulting level.",
		},
		[]string{"kind", "level"},
	)
	riskCalculationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "risk_calculation_duration_seconds",
			Help:    "Risk calculation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	ruleValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcc_rule_validations_total",
			Help: "Certificate rule validations by rule type and outcome.",
		},
		[]string{"rule_type", "outcome"},
	)
	packageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "package_download_failures_total",
			Help: "Signed package download failures by kind.",
		},
		[]string{"kind"},
	)
	packageLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "package_download_duration_seconds",
			Help:    "Signed package download latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	trustFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_evaluation_failures_total",
			Help: "Rejected server trust evaluations by kind.",
		},
		[]string{"kind"},
	)
	traceWarningPackages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trace_warning_packages_total",
			Help: "Consumed trace warning packages by result.",
		},
		[]string{"result"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests,
		httpLatency,
		kafkaConsumerLag,
		influxWriteFailures,
		riskCalculations,
		riskCalculationLatency,
		ruleValidations,
		packageFailures,
		packageLatency,
		trustFailures,
		traceWarningPackages,
		asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncRiskCalculation(kind string, level string) {
	riskCalculations.WithLabelValues(kind, level).Inc()
}

func ObserveRiskCalculationLatency(kind string, d time.Duration) {
	riskCalculationLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func IncRuleValidation(ruleType string, outcome string) {
	ruleValidations.WithLabelValues(ruleType, outcome).Inc()
}

func IncPackageFailure(kind string) {
	packageFailures.WithLabelValues(kind).Inc()
}

func ObservePackageLatency(d time.Duration) {
	packageLatency.Observe(d.Seconds())
}

func IncTrustFailure(kind string) {
	trustFailures.WithLabelValues(kind).Inc()
}

func IncTraceWarningPackage(result string) {
	traceWarningPackages.WithLabelValues(result).Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
