// Package governance holds the runtime safety controls the gateway wraps
// around calls to the guardian oracle: a circuit breaker that fails fast while
// the oracle is unhealthy, and a timeout manager that bounds every call.
//
// Both controls only ever shorten a call. The callers decide what a failed
// call means; for the moderation path that is always "allow".
package governance
