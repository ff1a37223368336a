package risk

import (
	"math"
	"strings"

	"github.com/polisai/guardian-gateway/pkg/domain"
)

const (
	// SafeToken is the oracle's "not risky" decision token.
	SafeToken = "No"
	// RiskyToken is the oracle's "risky" decision token.
	RiskyToken = "Yes"
	// DefaultThreshold is the risk probability a RISKY label must exceed to block.
	DefaultThreshold = 0.75
	// DefaultConfidence is reported alongside every oracle decision.
	DefaultConfidence = "High"

	// probabilityFloor seeds both accumulators so a token missing from the
	// distribution never reaches log(0).
	probabilityFloor = 1e-50
)

// Estimate is the rounded estimator output for one generation.
type Estimate struct {
	Label     domain.Label
	ProbSafe  float64
	ProbRisky float64
	Blocked   bool
}

// Estimator applies the SAFE/RISKY softmax and the block threshold.
type Estimator struct {
	threshold float64
}

// NewEstimator creates an estimator blocking above threshold. A threshold
// outside (0,1) falls back to DefaultThreshold.
func NewEstimator(threshold float64) *Estimator {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	return &Estimator{threshold: threshold}
}

// Threshold returns the configured block threshold.
func (e *Estimator) Threshold() float64 {
	return e.threshold
}

// Estimate labels the generation and decides whether it blocks. Blocking
// needs both a RISKY label and a risk probability above the threshold.
// Probabilities are rounded to three decimals.
func (e *Estimator) Estimate(gen domain.Generation) Estimate {
	safe, risky := Probabilities(gen.LogProbs)
	label := LabelFor(gen.Text)

	return Estimate{
		Label:     label,
		ProbSafe:  Round3(safe),
		ProbRisky: Round3(risky),
		Blocked:   label == domain.LabelRisky && risky > e.threshold,
	}
}

// Probabilities returns the normalised [p_safe, p_risky] pair for the given
// candidate distributions. Every candidate whose trimmed, lowercased text
// equals a decision token contributes exp(logprob) to that token's mass.
func Probabilities(positions []domain.TokenLogProbs) (safe, risky float64) {
	safeMass := probabilityFloor
	riskyMass := probabilityFloor

	safeKey := strings.ToLower(SafeToken)
	riskyKey := strings.ToLower(RiskyToken)

	for _, candidates := range positions {
		for _, c := range candidates {
			switch normalizeToken(c.Token) {
			case safeKey:
				safeMass += math.Exp(c.LogProb)
			case riskyKey:
				riskyMass += math.Exp(c.LogProb)
			}
		}
	}

	return softmax2(math.Log(safeMass), math.Log(riskyMass))
}

// LabelFor derives the textual label from generated text.
func LabelFor(text string) domain.Label {
	if strings.HasPrefix(normalizeToken(text), strings.ToLower(RiskyToken)) {
		return domain.LabelRisky
	}
	return domain.LabelSafe
}

// Round3 rounds v to three decimal places.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// softmax2 shifts by the maximum before exponentiating so neither term
// overflows.
func softmax2(a, b float64) (float64, float64) {
	m := math.Max(a, b)
	ea := math.Exp(a - m)
	eb := math.Exp(b - m)
	sum := ea + eb
	return ea / sum, eb / sum
}
