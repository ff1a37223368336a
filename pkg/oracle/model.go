package oracle

import (
	"context"

	"github.com/polisai/guardian-gateway/pkg/domain"
)

// Model generates the guardian decision for a conversation judged against
// one risk category.
type Model interface {
	Generate(ctx context.Context, messages []domain.ChatMessage, riskName string) (domain.Generation, error)
	// Ready returns nil once the model can serve Generate calls.
	Ready(ctx context.Context) error
}
