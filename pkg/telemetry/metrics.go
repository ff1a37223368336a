package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Hook outcomes.
const (
	OutcomeAllowed  = "allowed"
	OutcomeBlocked  = "blocked"
	OutcomeSkipped  = "skipped"
	OutcomeFailOpen = "fail_open"
	OutcomeFailShut = "fail_closed"
)

var (
	metricsOnce         sync.Once
	metricsInitErr      error
	hookDecisionCounter metric.Int64Counter
	scoringErrorCounter metric.Int64Counter
	hookLatencyHist     metric.Float64Histogram
)

// HookMetrics captures one interceptor hook invocation.
type HookMetrics struct {
	Direction string
	Outcome   string
	Category  string
	ErrorKind string
	Duration  time.Duration
}

// RecordHookMetrics emits the moderation counters and latency histogram.
func RecordHookMetrics(ctx context.Context, m HookMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("flow.direction", m.Direction),
		attribute.String("moderation.outcome", m.Outcome),
	}
	if m.Category != "" {
		attrs = append(attrs, attribute.String("risk.category", m.Category))
	}

	hookDecisionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		hookLatencyHist.Record(ctx, float64(m.Duration)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("flow.direction", m.Direction)))
	}

	if m.ErrorKind != "" {
		scoringErrorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("flow.direction", m.Direction),
			attribute.String("error.kind", m.ErrorKind),
		))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("guardian.moderation")

		hookDecisionCounter, metricsInitErr = meter.Int64Counter(
			"guardian.hook.decisions_total",
			metric.WithDescription("Interceptor hook decisions partitioned by direction and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		scoringErrorCounter, metricsInitErr = meter.Int64Counter(
			"guardian.scoring.errors_total",
			metric.WithDescription("Scoring failures reduced by the failure policy"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		hookLatencyHist, metricsInitErr = meter.Float64Histogram(
			"guardian.hook.duration_ms",
			metric.WithDescription("Observed hook latency including scoring"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordSecurityEvent attaches a moderation event to span. Only the
// category and reason are recorded, never the moderated text.
func RecordSecurityEvent(span trace.Span, blocked bool, reason, category string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("security.blocked", blocked),
	}
	if category != "" {
		attrs = append(attrs, attribute.String("security.category", category))
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("security.block_reason", reason))
	}

	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}
