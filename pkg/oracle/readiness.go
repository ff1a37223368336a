package oracle

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/polisai/guardian-gateway/pkg/domain"
	"github.com/polisai/guardian-gateway/pkg/risk"
)

// Readiness is the explicit model readiness state served by /health.
type Readiness struct {
	ready atomic.Bool
}

// Ready reports whether the model has been confirmed ready.
func (r *Readiness) Ready() bool {
	return r.ready.Load()
}

// Set records the readiness state.
func (r *Readiness) Set(ready bool) {
	r.ready.Store(ready)
}

// WaitReady polls model until it reports ready or ctx ends, then marks r
// ready. It returns ctx.Err() when cancelled first.
func (r *Readiness) WaitReady(ctx context.Context, model Model, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := model.Ready(ctx)
		if err == nil {
			r.Set(true)
			logger.Info("guardian model ready")
			return nil
		}
		logger.Debug("guardian model not ready", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Gate wraps analyzer so calls before readiness return the allowed verdict
// with a transport error instead of reaching the model.
func (r *Readiness) Gate(analyzer risk.Analyzer) risk.Analyzer {
	return risk.AnalyzerFunc(func(ctx context.Context, text string) (domain.Verdict, error) {
		if !r.Ready() {
			return domain.Allowed(), domain.NewScoringError(domain.KindTransport, domain.ErrModelNotReady)
		}
		return analyzer.Analyze(ctx, text)
	})
}
