package interceptor

import (
	"fmt"
	"strings"

	"github.com/polisai/guardian-gateway/pkg/domain"
)

// FailureMode selects what a scoring failure turns into.
type FailureMode string

const (
	// FailOpen allows traffic when scoring fails.
	FailOpen FailureMode = "open"
	// FailClosed blocks traffic when scoring fails.
	FailClosed FailureMode = "closed"
)

// FailClosedReason is surfaced when fail-closed mode blocks on an error.
const FailClosedReason = "blocked because the content could not be verified."

// ParseFailureMode parses "open" or "closed"; empty means open.
func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("%w: unknown failure mode %q (must be 'open' or 'closed')", domain.ErrConfigInvalid, s)
	}
}

// ReduceToAllowOnError is the single place a scoring failure becomes a
// decision. A result without error, or one that already blocks, is kept.
// Otherwise FailOpen yields the allowed verdict and FailClosed a block with
// FailClosedReason.
func ReduceToAllowOnError(result domain.ScoreResult, mode FailureMode) domain.Verdict {
	if result.OK() || result.Verdict.Blocked {
		return result.Verdict
	}
	if mode == FailClosed {
		return domain.Verdict{
			Blocked: true,
			Reason:  FailClosedReason,
			Label:   domain.LabelRisky,
		}
	}
	return domain.Allowed()
}
