package config

import (
	"fmt"
	"strings"
)

// ConfigError reports a field that failed loading or validation. Field is
// the yaml key, or the environment variable name for override failures.
type ConfigError struct {
	Field       string
	Value       any
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config %s: %s", e.Field, e.Reason)
	if len(e.Suggestions) > 0 {
		msg += " (" + strings.Join(e.Suggestions, "; ") + ")"
	}
	return msg
}

// WithSuggestion appends a remediation hint and returns e for chaining.
func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{Field: field, Reason: "required value is missing"}
}

func NewConfigValidationError(field string, value any, reason string) *ConfigError {
	return &ConfigError{Field: field, Value: value, Reason: reason}
}
