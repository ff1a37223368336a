// Package risk turns classifier output into moderation decisions.
//
// Two pieces live here. The Estimator converts the log-probabilities the
// oracle assigns to its two decision tokens into a calibrated risk probability
// and a SAFE/RISKY label. The Aggregator walks an ordered set of risk
// categories, scores the text against each through a Scorer, and stops at the
// first category that blocks so the surfaced reason is deterministic.
package risk
