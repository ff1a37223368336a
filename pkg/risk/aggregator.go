package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/guardian-gateway/pkg/domain"
)

const tracerName = "github.com/polisai/guardian-gateway/pkg/risk"

// Scorer scores text against a single risk category.
type Scorer interface {
	Score(ctx context.Context, text string, category domain.RiskCategory) (domain.Verdict, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, text string, category domain.RiskCategory) (domain.Verdict, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, text string, category domain.RiskCategory) (domain.Verdict, error) {
	return f(ctx, text, category)
}

// Analyzer produces one aggregate decision for a piece of text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (domain.Verdict, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, text string) (domain.Verdict, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, text string) (domain.Verdict, error) {
	return f(ctx, text)
}

// Aggregator reduces per-category verdicts to one decision. Categories are
// scored sequentially in order and the first blocking category wins.
type Aggregator struct {
	scorer     Scorer
	categories []domain.RiskCategory
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewAggregator builds an aggregator over an ordered category set.
func NewAggregator(scorer Scorer, categories []domain.RiskCategory, logger *slog.Logger) (*Aggregator, error) {
	if scorer == nil {
		return nil, fmt.Errorf("%w: scorer is required", domain.ErrConfigInvalid)
	}
	if err := ValidateCategories(categories); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Aggregator{
		scorer:     scorer,
		categories: append([]domain.RiskCategory(nil), categories...),
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Categories returns a copy of the evaluation order.
func (a *Aggregator) Categories() []domain.RiskCategory {
	return append([]domain.RiskCategory(nil), a.categories...)
}

// Analyze scores text against each category in order and returns the first
// blocking verdict with its reason. Categories after the first block are
// never scored.
//
// A category that fails to score counts as not blocking and the loop goes on.
// When nothing blocks, the allowed verdict carries the last evaluated label
// and probability, and the joined scoring errors are returned with it.
func (a *Aggregator) Analyze(ctx context.Context, text string) (domain.Verdict, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Allowed(), nil
	}

	ctx, span := a.tracer.Start(ctx, "risk.aggregate",
		trace.WithAttributes(
			attribute.Int("risk.categories.count", len(a.categories)),
			attribute.Int("risk.text.length", len(text)),
		),
	)
	defer span.End()

	last := domain.Allowed()
	var errs []error

	for i, category := range a.categories {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		verdict, err := a.scorer.Score(ctx, text, category)
		if err != nil {
			a.logger.Error("risk category scoring failed",
				"category", category.Name,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("category %s: %w", category.Name, err))
			continue
		}

		a.logger.Debug("risk category scored",
			"category", category.Name,
			"label", verdict.Label,
			"probability", verdict.Probability,
			"blocked", verdict.Blocked,
		)

		if verdict.Blocked {
			verdict.Reason = BlockReason(category)
			verdict.Category = category.Name
			span.SetAttributes(
				attribute.Bool("risk.blocked", true),
				attribute.String("risk.category", category.Name),
				attribute.Int("risk.evaluated", i+1),
			)
			return verdict, nil
		}

		last = domain.Verdict{Label: verdict.Label, Probability: verdict.Probability}
	}

	span.SetAttributes(attribute.Bool("risk.blocked", false))
	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "category scoring failed")
		return last, err
	}
	return last, nil
}
