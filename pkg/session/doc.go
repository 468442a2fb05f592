// Package session holds the presentation state behind the chat and execution
// windows: submit a query to get a plan, run it, read back the result.
//
// Invariants:
// - Session keys are validated like file names even though nothing is written.
// - A run always executes the plan generated for the session's current query.
// - At most one run per session is in flight.
// - State lives in memory only and idle sessions are pruned after the TTL.
//
// Usage:
//
//	mgr, _ := session.NewManager(session.Config{Planner: p, Runner: exec})
//	s, _ := mgr.Get("web:42")
//	plan, _ := s.SubmitQuery(ctx, "check missing values for a PD model")
//	result, _ := s.SubmitRun(ctx)
//	_, _ = plan, result
package session
