package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitProvider_ExportsToRegisterer(t *testing.T) {
	origMP, origTP, origProp := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordCall(context.Background(), "answered")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	service := map[string]string{}
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "callbridge_calls") {
			found = true
		}
		if f.GetName() == "target_info" {
			for _, m := range f.GetMetric() {
				for _, l := range m.GetLabel() {
					service[l.GetName()] = l.GetValue()
				}
			}
		}
	}
	if !found {
		t.Error("callbridge.calls not exported to the registry")
	}
	if service["service_name"] != "callbridge" || service["service_version"] != "test" {
		t.Errorf("target_info labels = %v, want the service resource", service)
	}

	if _, ok := otel.GetTextMapPropagator().(propagation.TraceContext); !ok {
		t.Errorf("propagator = %T, want TraceContext", otel.GetTextMapPropagator())
	}
	ctx, span := StartSpan(context.Background(), "call.session")
	defer span.End()
	if !span.SpanContext().IsSampled() || CorrelationID(ctx) == "" {
		t.Error("root spans should be sampled by default")
	}
}
