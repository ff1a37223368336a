package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrPayloadMissing    = errors.New("payload body missing")
	ErrPayloadMalformed  = errors.New("payload body malformed")
	ErrNoMessages        = errors.New("payload has no messages")
	ErrNoChoices         = errors.New("payload has no choices")
	ErrOracleUnavailable = errors.New("oracle unavailable")
	ErrOracleMalformed   = errors.New("oracle response malformed")
	ErrModelNotReady     = errors.New("model not ready")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// ErrorKind classifies scoring failures.
type ErrorKind string

const (
	// KindParse covers malformed or absent payload bodies.
	KindParse ErrorKind = "parse"
	// KindTransport covers network, timeout and TLS failures reaching the oracle.
	KindTransport ErrorKind = "transport"
	// KindSemantic covers oracle responses missing expected fields.
	KindSemantic ErrorKind = "semantic"
	// KindInternal covers anything else, including recovered panics.
	KindInternal ErrorKind = "internal"
)

// ScoringError wraps a failure with its kind.
type ScoringError struct {
	Kind ErrorKind
	Err  error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ScoringError) Unwrap() error {
	return e.Err
}

// NewScoringError wraps err with kind.
func NewScoringError(kind ErrorKind, err error) *ScoringError {
	return &ScoringError{Kind: kind, Err: err}
}

// KindOf returns the kind of err, KindInternal when err is not a ScoringError.
func KindOf(err error) ErrorKind {
	var se *ScoringError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// ErrorResponse defines the JSON error model returned by the HTTP surfaces.
type ErrorResponse struct {
	Error string `json:"error"`
}
