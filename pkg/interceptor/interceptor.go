package interceptor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/guardian-gateway/pkg/domain"
	"github.com/polisai/guardian-gateway/pkg/risk"
	"github.com/polisai/guardian-gateway/pkg/telemetry"
)

const (
	tracerName = "github.com/polisai/guardian-gateway/pkg/interceptor"

	// DefaultBanner prefixes the reason in a rewritten response.
	DefaultBanner = "⚠️ Response blocked by content policy: "
)

// Config configures an Interceptor.
type Config struct {
	UpstreamHost string
	FailureMode  FailureMode
	Banner       string
}

// Interceptor moderates flows to one upstream host.
type Interceptor struct {
	upstreamHost string
	analyzer     risk.Analyzer
	mode         FailureMode
	banner       string
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New creates an interceptor scoring text with analyzer.
func New(cfg Config, analyzer risk.Analyzer, logger *slog.Logger) (*Interceptor, error) {
	if cfg.UpstreamHost == "" {
		return nil, fmt.Errorf("%w: upstream host is required", domain.ErrConfigInvalid)
	}
	if analyzer == nil {
		return nil, fmt.Errorf("%w: analyzer is required", domain.ErrConfigInvalid)
	}
	mode, err := ParseFailureMode(string(cfg.FailureMode))
	if err != nil {
		return nil, err
	}
	if cfg.Banner == "" {
		cfg.Banner = DefaultBanner
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Interceptor{
		upstreamHost: cfg.UpstreamHost,
		analyzer:     analyzer,
		mode:         mode,
		banner:       cfg.Banner,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
	}, nil
}

// UpstreamHost returns the moderated host.
func (i *Interceptor) UpstreamHost() string {
	return i.upstreamHost
}

// Applies reports whether flow targets the moderated host.
func (i *Interceptor) Applies(flow *domain.Flow) bool {
	return flow != nil && flow.HostMatches(i.upstreamHost)
}

// OnRequest scores the last chat message of the request. A blocked request
// is answered with a synthetic 200 assistant reply carrying the reason.
func (i *Interceptor) OnRequest(ctx context.Context, flow *domain.Flow) (action domain.Action) {
	if !i.Applies(flow) {
		return domain.Forward()
	}
	ensureFlowID(flow)
	logger := i.logger.With("flow_id", flow.ID, "direction", domain.DirectionRequest)

	ctx, span := i.tracer.Start(ctx, "interceptor.request", trace.WithAttributes(
		attribute.String("flow.id", flow.ID),
		attribute.String("flow.host", flow.Host),
	))
	defer span.End()
	defer i.recoverHook(ctx, span, logger, domain.DirectionRequest, &action)

	start := time.Now()
	text, err := ExtractRequestText(flow.RequestBody)
	if err != nil {
		i.skip(ctx, logger, domain.DirectionRequest, err, start)
		return domain.Forward()
	}

	verdict, outcome, kind := i.decide(ctx, logger, text)
	i.finish(ctx, span, domain.DirectionRequest, verdict, outcome, kind, start)
	if !verdict.Blocked {
		return domain.Forward()
	}

	payload, err := json.Marshal(domain.NewAssistantReply(verdict.Reason))
	if err != nil {
		logger.Error("failed to build synthetic reply, forwarding", "error", err)
		return domain.Forward()
	}

	logger.Info("request blocked", "category", verdict.Category, "probability", verdict.Probability)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(payload)))
	return domain.Replace(http.StatusOK, header, payload, verdict.Reason)
}

// OnResponse scores the first choice of a forwarded response. A blocked
// reply has its content replaced by the banner and reason.
func (i *Interceptor) OnResponse(ctx context.Context, flow *domain.Flow) (action domain.Action) {
	if !i.Applies(flow) || !flow.Forwarded {
		return domain.Forward()
	}
	ensureFlowID(flow)
	logger := i.logger.With("flow_id", flow.ID, "direction", domain.DirectionResponse)

	ctx, span := i.tracer.Start(ctx, "interceptor.response", trace.WithAttributes(
		attribute.String("flow.id", flow.ID),
		attribute.String("flow.host", flow.Host),
		attribute.Int("http.response.status_code", flow.StatusCode),
	))
	defer span.End()
	defer i.recoverHook(ctx, span, logger, domain.DirectionResponse, &action)

	start := time.Now()
	text, err := ExtractResponseText(flow.ResponseBody)
	if err != nil {
		i.skip(ctx, logger, domain.DirectionResponse, err, start)
		return domain.Forward()
	}

	verdict, outcome, kind := i.decide(ctx, logger, text)
	i.finish(ctx, span, domain.DirectionResponse, verdict, outcome, kind, start)
	if !verdict.Blocked {
		return domain.Forward()
	}

	rewritten, err := RewriteResponseContent(flow.ResponseBody, i.banner+verdict.Reason)
	if err != nil {
		logger.Error("failed to rewrite blocked response, forwarding", "error", err)
		return domain.Forward()
	}

	logger.Info("response blocked", "category", verdict.Category, "probability", verdict.Probability)
	header := flow.ResponseHeader.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	status := flow.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return domain.Replace(status, header, rewritten, verdict.Reason)
}

// decide runs the analyzer and applies the failure policy.
func (i *Interceptor) decide(ctx context.Context, logger *slog.Logger, text string) (domain.Verdict, string, domain.ErrorKind) {
	if strings.TrimSpace(text) == "" {
		logger.Debug("blank text, nothing to score")
		return domain.Allowed(), telemetry.OutcomeAllowed, ""
	}
	logger.Debug("scoring text", "text_length", len(text))

	verdict, err := i.analyzer.Analyze(ctx, text)
	result := domain.ScoreResult{Verdict: verdict, Err: err}
	reduced := ReduceToAllowOnError(result, i.mode)

	if result.OK() || result.Verdict.Blocked {
		if reduced.Blocked {
			return reduced, telemetry.OutcomeBlocked, ""
		}
		return reduced, telemetry.OutcomeAllowed, ""
	}

	kind := domain.KindOf(err)
	if i.mode == FailClosed {
		logger.Error("scoring failed, blocking", "error", err, "kind", kind)
		return reduced, telemetry.OutcomeFailShut, kind
	}
	logger.Error("scoring failed, allowing", "error", err, "kind", kind)
	return reduced, telemetry.OutcomeFailOpen, kind
}

func (i *Interceptor) skip(ctx context.Context, logger *slog.Logger, dir domain.Direction, err error, start time.Time) {
	logger.Warn("payload not inspectable, forwarding unchanged", "error", err)
	telemetry.RecordHookMetrics(ctx, telemetry.HookMetrics{
		Direction: string(dir),
		Outcome:   telemetry.OutcomeSkipped,
		ErrorKind: string(domain.KindParse),
		Duration:  time.Since(start),
	})
}

func (i *Interceptor) finish(ctx context.Context, span trace.Span, dir domain.Direction, verdict domain.Verdict, outcome string, kind domain.ErrorKind, start time.Time) {
	span.SetAttributes(
		attribute.String("moderation.outcome", outcome),
		attribute.Bool("moderation.blocked", verdict.Blocked),
	)
	if verdict.Blocked {
		telemetry.RecordSecurityEvent(span, true, verdict.Reason, verdict.Category)
	}
	telemetry.RecordHookMetrics(ctx, telemetry.HookMetrics{
		Direction: string(dir),
		Outcome:   outcome,
		Category:  verdict.Category,
		ErrorKind: string(kind),
		Duration:  time.Since(start),
	})
}

// recoverHook turns a panic anywhere in a hook into a forward.
func (i *Interceptor) recoverHook(ctx context.Context, span trace.Span, logger *slog.Logger, dir domain.Direction, action *domain.Action) {
	r := recover()
	if r == nil {
		return
	}

	err := domain.NewScoringError(domain.KindInternal, fmt.Errorf("panic: %v", r))
	span.RecordError(err)
	span.SetStatus(codes.Error, "hook panicked")
	logger.Error("hook panicked, forwarding unchanged", "panic", r)

	telemetry.RecordHookMetrics(ctx, telemetry.HookMetrics{
		Direction: string(dir),
		Outcome:   telemetry.OutcomeFailOpen,
		ErrorKind: string(domain.KindInternal),
	})
	*action = domain.Forward()
}

func ensureFlowID(flow *domain.Flow) {
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
}
