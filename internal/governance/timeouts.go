package governance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrRequestTimeout is returned when a call exceeds its timeout.
var ErrRequestTimeout = errors.New("request timeout exceeded")

// DefaultOracleTimeout bounds a single oracle call.
const DefaultOracleTimeout = 15 * time.Second

// TimeoutManager enforces the per-call timeout budget.
type TimeoutManager struct {
	timeout time.Duration
}

// NewTimeoutManager creates a timeout manager; non-positive values fall back
// to DefaultOracleTimeout.
func NewTimeoutManager(timeout time.Duration) *TimeoutManager {
	if timeout <= 0 {
		timeout = DefaultOracleTimeout
	}
	return &TimeoutManager{timeout: timeout}
}

// Timeout returns the configured budget.
func (tm *TimeoutManager) Timeout() time.Duration {
	return tm.timeout
}

// WithRequestTimeout creates a context bounded by the call budget.
func (tm *TimeoutManager) WithRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.timeout)
}

// Classify maps deadline failures to ErrRequestTimeout so callers can tell a
// slow oracle from an unreachable one.
func (tm *TimeoutManager) Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTimeout(err) {
		return fmt.Errorf("%w after %s: %v", ErrRequestTimeout, tm.timeout, err)
	}
	return err
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRequestTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
