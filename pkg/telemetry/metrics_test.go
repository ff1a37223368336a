package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func TestRecordHookMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()

	RecordHookMetrics(ctx, HookMetrics{
		Direction: "request",
		Outcome:   OutcomeBlocked,
		Category:  "violence",
		Duration:  150 * time.Millisecond,
	})
	RecordHookMetrics(ctx, HookMetrics{
		Direction: "response",
		Outcome:   OutcomeFailOpen,
		ErrorKind: "transport",
	})

	metrics := collectMetrics(t, reader)

	decisions, ok := metrics["guardian.hook.decisions_total"]
	if !ok {
		t.Fatalf("missing guardian.hook.decisions_total metric")
	}
	decisionData, ok := decisions.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for decisions metric")
	}
	if len(decisionData.DataPoints) != 2 {
		t.Fatalf("expected 2 datapoints, got %d", len(decisionData.DataPoints))
	}

	var sawBlocked bool
	for _, dp := range decisionData.DataPoints {
		outcome, _ := dp.Attributes.Value(attribute.Key("moderation.outcome"))
		if outcome.AsString() != OutcomeBlocked {
			continue
		}
		sawBlocked = true
		if category, ok := dp.Attributes.Value(attribute.Key("risk.category")); !ok || category.AsString() != "violence" {
			t.Fatalf("expected risk.category violence, got %v", category)
		}
	}
	if !sawBlocked {
		t.Fatalf("missing blocked datapoint")
	}

	errorsMetric, ok := metrics["guardian.scoring.errors_total"]
	if !ok {
		t.Fatalf("missing guardian.scoring.errors_total metric")
	}
	errorData := errorsMetric.Data.(metricdata.Sum[int64])
	if len(errorData.DataPoints) != 1 || errorData.DataPoints[0].Value != 1 {
		t.Fatalf("expected one scoring error, got %+v", errorData.DataPoints)
	}

	hist, ok := metrics["guardian.hook.duration_ms"]
	if !ok {
		t.Fatalf("missing guardian.hook.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordSecurityEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "hook")
	RecordSecurityEvent(span, true, "blocked because it contained sexual content.", "sexual_content")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 security event, got %d", len(events))
	}
	if events[0].Name != "security.event" {
		t.Fatalf("unexpected event name %q", events[0].Name)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("security.blocked")); !ok || !value.AsBool() {
		t.Fatalf("expected security.blocked attribute true")
	}
	if value, ok := attrs.Value(attribute.Key("security.category")); !ok || value.AsString() != "sexual_content" {
		t.Fatalf("expected category sexual_content, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders("api-key=abc, x-tenant = blue ,broken,=nokey")
	if len(got) != 2 {
		t.Fatalf("expected 2 headers, got %v", got)
	}
	if got["api-key"] != "abc" || got["x-tenant"] != "blue" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("setup provider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupProviderExportsModerationMetrics(t *testing.T) {
	prev := otel.GetMeterProvider()
	ResetMetricsForTest()
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	registry := prometheus.NewRegistry()
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "gateway-test", Registerer: registry})
	if err != nil {
		t.Fatalf("setup provider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	RecordHookMetrics(context.Background(), HookMetrics{
		Direction: "request",
		Outcome:   OutcomeBlocked,
		Category:  "violence",
		Duration:  3 * time.Millisecond,
	})

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var found bool
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), "guardian_hook_decisions") {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["moderation_outcome"] == OutcomeBlocked && labels["risk_category"] == "violence" {
				found = m.GetCounter().GetValue() == 1
			}
		}
	}
	if !found {
		t.Fatalf("blocked decision not exported; families: %v", familyNames(families))
	}
}

func familyNames(families []*dto.MetricFamily) []string {
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	return names
}
