// Package dialogue runs the round-robin turn cycle between agent roles.
//
// The Scheduler walks the configured role sequence, computes each role's
// unseen conversation delta, asks the connection pool for a live connector
// and applies the termination rules: a moderator placeholder ends the cycle
// immediately, a full round of placeholders ends it, and a full round of
// errors ends it. The Orchestrator is the facade the transport adapters
// consume: it validates input, appends the user message and hands back a
// single-pass stream of responses for one cycle.
package dialogue
