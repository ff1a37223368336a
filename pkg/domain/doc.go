// Package domain defines the core moderation types shared by the gateway, the
// guardian oracle and the front-end.
//
// This package has ZERO dependencies outside the Go standard library. Types
// here describe what flows through the system (chat payloads, flows, verdicts,
// risk categories, token log-probabilities) and never how it is transported.
// Infrastructure packages depend on domain, never the other way round:
//
//	interceptor, guardian, oracle, proxy → domain (CORRECT)
//	domain → interceptor, guardian, ...  (FORBIDDEN)
package domain
