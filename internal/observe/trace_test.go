package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSpan_RecordsUnderCallbridgeScope(t *testing.T) {
	exp := useTracer(t)

	ctx, span := StartSpan(context.Background(), "call.session")
	if len(CorrelationID(ctx)) != 32 {
		t.Errorf("correlation ID = %q, want 32 hex chars", CorrelationID(ctx))
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "call.session" {
		t.Errorf("name = %q", spans[0].Name)
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestCorrelationID_NoSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestCorrelationID_DistinctPerCall(t *testing.T) {
	useTracer(t)
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "call.session")
		cid := CorrelationID(ctx)
		span.End()
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestWithTrace(t *testing.T) {
	useTracer(t)

	tests := []struct {
		name      string
		withSpan  bool
		wantTrace bool
	}{
		{"inside span", true, true},
		{"no span", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			base := slog.New(slog.NewTextHandler(&buf, nil)).With("call_id", "c1")

			ctx := context.Background()
			if tt.withSpan {
				c, s := StartSpan(ctx, "call.session")
				defer s.End()
				ctx = c
			}
			WithTrace(ctx, base).Info("call: incoming")

			out := buf.String()
			if !strings.Contains(out, "call_id=c1") {
				t.Errorf("base attributes lost: %s", out)
			}
			if got := strings.Contains(out, "trace_id=") && strings.Contains(out, "span_id="); got != tt.wantTrace {
				t.Errorf("trace attributes present = %v, want %v: %s", got, tt.wantTrace, out)
			}
		})
	}
}
