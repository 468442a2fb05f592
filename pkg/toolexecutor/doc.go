// Package toolexecutor holds the registry of data-quality checks and runs them.
//
// Invariants:
//   - Lookup keys are case-folded and trimmed; "Check_Missing " and "check_missing" are the same tool.
//   - An alias resolves in exactly one hop to a canonical key.
//   - Re-registering a key replaces the previous binding (last registration wins).
//   - A canonical name and all of its aliases resolve to the same *ToolDefinition.
//   - Declared parameters are schema-validated before a check runs; undeclared inputs are dropped.
//
// Usage:
//
//	reg := toolexecutor.NewRegistry()
//	_ = reg.Register("check_missing", toolexecutor.ToolDefinition{
//		Description: "Missing-value audit",
//		Handler:     checks.CheckMissing,
//	}, "tool:check_missing")
//	def, ok := reg.Resolve(" CHECK_MISSING ")
//	out, err := reg.Invoke(ctx, def, ds, nil)
package toolexecutor
