// Package oracle is the risk classifier service: it asks a guardian model
// one question per risk category, turns the answer's decision-token
// log-probabilities into a verdict and serves the aggregate over HTTP.
package oracle
