package domain

// Label is the oracle's textual decision for one category.
type Label string

const (
	// LabelSafe is the SAFE_TOKEN decision ("No").
	LabelSafe Label = "No"
	// LabelRisky is the RISKY_TOKEN decision ("Yes").
	LabelRisky Label = "Yes"
)

// RiskCategory is a named harmful-content class plus the human readable
// explanation used to build block reasons. Category sets are ordered; the
// order fixes evaluation and first-match precedence.
type RiskCategory struct {
	Name        string `json:"name" yaml:"name"`
	Explanation string `json:"explanation" yaml:"explanation"`
}

// Verdict is the block decision for one piece of text. Verdicts are values
// and are never mutated after creation.
type Verdict struct {
	Blocked     bool    `json:"blocked"`
	Reason      string  `json:"reason,omitempty"`
	Probability float64 `json:"probability"`
	Label       Label   `json:"label,omitempty"`
	Category    string  `json:"category,omitempty"`
}

// Allowed returns the "allowed, no reason" verdict.
func Allowed() Verdict {
	return Verdict{Label: LabelSafe}
}

// TokenLogProb is one candidate token at a generated position.
type TokenLogProb struct {
	Token   string
	LogProb float64
}

// TokenLogProbs lists the candidates at one generated position. Distinct
// token ids can decode to the same text, so a token may appear more than
// once.
type TokenLogProbs []TokenLogProb

// Generation is the oracle model output for one category prompt: the
// generated text and the candidate distribution of every generated position.
type Generation struct {
	Text     string
	LogProbs []TokenLogProbs
}

// ScoreResult is either a Verdict or the error that prevented scoring.
type ScoreResult struct {
	Verdict Verdict
	Err     error
}

// OK reports whether the result carries a verdict.
func (r ScoreResult) OK() bool {
	return r.Err == nil
}
