// Package dqerr defines the error kinds surfaced by planning and execution.
//
// Invariants:
// - Every kind is matchable with errors.As on the concrete type.
// - Wrapping errors expose their cause through Unwrap.
// - An empty plan is reported as a condition, never as a failure.
//
// Usage:
//
//	if dqerr.KindOf(err) == dqerr.KindUnknownTool {
//		fmt.Println(dqerr.Message(dqerr.KindUnknownTool))
//	}
package dqerr
