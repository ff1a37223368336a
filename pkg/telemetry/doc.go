// Package telemetry wires OpenTelemetry tracing and moderation metrics for
// the gateway and the oracle.
//
// It centralises trace provider setup, records per-hook moderation outcomes
// and attaches coarse security events to spans without leaking prompt or
// reply text.
package telemetry
