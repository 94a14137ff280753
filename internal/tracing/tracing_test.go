package tracing

import (
	"context"
	"net/http"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "with SERVICE_VERSION not set", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)
			if got := getVersion(); got != tt.expected {
				t.Errorf("getVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name        string
		hostnameEnv string
		podNameEnv  string
		expected    string
	}{
		{name: "with HOSTNAME set", hostnameEnv: "notifier-01", expected: "notifier-01"},
		{name: "with POD_NAME set (no HOSTNAME)", podNameEnv: "notifier-abc123", expected: "notifier-abc123"},
		{name: "HOSTNAME takes precedence", hostnameEnv: "notifier-01", podNameEnv: "notifier-abc123", expected: "notifier-01"},
		{name: "with neither set", expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", "")
			t.Setenv("POD_NAME", "")
			os.Unsetenv("HOSTNAME")
			os.Unsetenv("POD_NAME")
			if tt.hostnameEnv != "" {
				t.Setenv("HOSTNAME", tt.hostnameEnv)
			}
			if tt.podNameEnv != "" {
				t.Setenv("POD_NAME", tt.podNameEnv)
			}

			if got := getInstanceID(); got != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with http:// prefix", envValue: "http://tempo:4318", expected: "tempo:4318"},
		{name: "with https:// prefix", envValue: "https://tempo:4318", expected: "tempo:4318"},
		{name: "without protocol prefix", envValue: "collector:4318", expected: "collector:4318"},
		{name: "empty environment variable", envValue: "", expected: "localhost:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
			if got := getOTLPEndpoint(); got != tt.expected {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestInitTracing_Disabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")

	shutdown, err := InitTracing(context.Background(), "notifier-test")
	if err != nil {
		t.Fatalf("InitTracing() unexpected error: %v", err)
	}
	if shutdown == nil {
		t.Fatal("InitTracing() returned nil shutdown func")
	}
	shutdown()
}

func TestStartSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	tests := []struct {
		name     string
		spanName string
		attrs    []attribute.KeyValue
	}{
		{name: "span without attributes", spanName: "consumer.cycle"},
		{
			name:     "span with attributes",
			spanName: "delivery.task",
			attrs: []attribute.KeyValue{
				attribute.Int64("task_id", 42),
				attribute.String("producer", "acme"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter.Reset()
			ctx, span := StartSpan(context.Background(), tt.spanName, tt.attrs...)
			if !oteltrace.SpanFromContext(ctx).SpanContext().IsValid() {
				t.Error("StartSpan() span not found in returned context")
			}
			span.End()

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("exported %d spans, want 1", len(spans))
			}
			if spans[0].Name != tt.spanName {
				t.Errorf("span name = %q, want %q", spans[0].Name, tt.spanName)
			}
			if len(spans[0].Attributes) != len(tt.attrs) {
				t.Errorf("span attributes = %d, want %d", len(spans[0].Attributes), len(tt.attrs))
			}
		})
	}
}

func TestSpanHelpersWithoutSpan(t *testing.T) {
	ctx := context.Background()

	// none of these should panic without an active span
	AddSpanEvent(ctx, "noop", attribute.String("k", "v"))
	SetSpanError(ctx, context.Canceled)
	SetSpanError(ctx, nil)

	if id := GetTraceID(ctx); id != "" {
		t.Errorf("GetTraceID() = %q for context without span, want empty", id)
	}
}

func TestSetSpanError(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "failing")
	SetSpanError(ctx, context.DeadlineExceeded)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Status.Description != context.DeadlineExceeded.Error() {
		t.Errorf("span status = %q, want %q", spans[0].Status.Description, context.DeadlineExceeded.Error())
	}
}

func TestInjectHTTPHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "delivery.post")
	defer span.End()

	h := http.Header{}
	InjectHTTPHeaders(ctx, h)

	tp := h.Get("traceparent")
	if tp == "" {
		t.Fatal("InjectHTTPHeaders() did not set traceparent")
	}

	// round trip through the propagator keeps the trace id
	extracted := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(h))
	extracted, child := StartSpan(extracted, "receiver")
	defer child.End()

	if got, want := GetTraceID(extracted), GetTraceID(ctx); got != want {
		t.Errorf("trace id after round trip = %s, want %s", got, want)
	}
}

func TestTracerNameConstant(t *testing.T) {
	if TracerName != "github.com/austindbirch/harbor_notify" {
		t.Errorf("TracerName = %q", TracerName)
	}
}
