// Package guardian is the remote scoring client used when the gateway and
// the oracle run as separate processes. Every failure reaching the oracle
// degrades to an allowed verdict.
package guardian
