package domain

// AnalyzeRequest is the body of the oracle scoring endpoint.
type AnalyzeRequest struct {
	Prompt string `json:"prompt"`
}

// AnalyzeResponse is the oracle scoring endpoint's answer. Label and
// ProbabilityOfRisk belong to the last category evaluated.
type AnalyzeResponse struct {
	Label             Label   `json:"label"`
	Confidence        string  `json:"confidence"`
	ProbabilityOfRisk float64 `json:"probability_of_risk"`
	Blocked           bool    `json:"blocked"`
	Reply             string  `json:"reply"`
}
