package oracle

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/guardian-gateway/pkg/domain"
	"github.com/polisai/guardian-gateway/pkg/risk"
)

const tracerName = "github.com/polisai/guardian-gateway/pkg/oracle"

// CategoryScorer scores one category with the guardian model and the
// probability estimator. It implements risk.Scorer.
type CategoryScorer struct {
	model     Model
	estimator *risk.Estimator
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewCategoryScorer wires a model to an estimator.
func NewCategoryScorer(model Model, estimator *risk.Estimator, logger *slog.Logger) (*CategoryScorer, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: model is required", domain.ErrConfigInvalid)
	}
	if estimator == nil {
		estimator = risk.NewEstimator(risk.DefaultThreshold)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CategoryScorer{
		model:     model,
		estimator: estimator,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Score asks the model about text under category and applies the estimator.
func (s *CategoryScorer) Score(ctx context.Context, text string, category domain.RiskCategory) (domain.Verdict, error) {
	ctx, span := s.tracer.Start(ctx, "oracle.score",
		trace.WithAttributes(attribute.String("risk.category", category.Name)),
	)
	defer span.End()

	messages := []domain.ChatMessage{{Role: domain.RoleUser, Content: text}}
	gen, err := s.model.Generate(ctx, messages, category.Name)
	if err != nil {
		span.RecordError(err)
		return domain.Verdict{}, err
	}

	est := s.estimator.Estimate(gen)
	span.SetAttributes(
		attribute.String("risk.label", string(est.Label)),
		attribute.Float64("risk.probability", est.ProbRisky),
		attribute.Bool("risk.blocked", est.Blocked),
	)

	return domain.Verdict{
		Blocked:     est.Blocked,
		Probability: est.ProbRisky,
		Label:       est.Label,
	}, nil
}
