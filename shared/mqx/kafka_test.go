package mqx

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"cwa-risk-core/shared/config"
)

func TestHeaderValueLastWins(t *testing.T) {
	msg := kafka.Message{Headers: []kafka.Header{
		{Key: "x-package-id", Value: []byte("1")},
		{Key: "country", Value: []byte("DE")},
		{Key: "x-package-id", Value: []byte("2")},
	}}
	if got := HeaderValue(msg, "x-package-id"); got != "2" {
		t.Fatalf("x-package-id=%q", got)
	}
	if got := HeaderValue(msg, "missing"); got != "" {
		t.Fatalf("missing=%q", got)
	}
}

func TestTraceContextCrossesHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	msg := kafka.Message{Topic: "trace-warning-packages"}
	otel.GetTextMapPropagator().Inject(parent, headerCarrier{msg: &msg})
	if HeaderValue(msg, "traceparent") == "" {
		t.Fatalf("traceparent not injected: %+v", msg.Headers)
	}

	extracted := otel.GetTextMapPropagator().Extract(context.Background(), headerCarrier{msg: &msg})
	sc := trace.SpanContextFromContext(extracted)
	if sc.TraceID() != traceID {
		t.Fatalf("trace id=%s", sc.TraceID())
	}
}

func TestNewConsumerRequiresGroup(t *testing.T) {
	cfg := config.Config{KafkaBrokers: []string{"localhost:9092"}}
	if _, err := NewConsumer(cfg, "trace-warning-packages", ""); err == nil {
		t.Fatal("expected error without group id")
	}
	if _, err := NewProducer(config.Config{}); err == nil {
		t.Fatal("expected error without brokers")
	}
}
