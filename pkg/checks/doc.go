// Package checks implements the data-quality checks the agent can plan:
// schema inspection, missing-value audit, duplicate audit and outlier audit.
//
// Every check is a pure function of the dataset and its parameters. Results
// are plain structs with JSON tags so they can be shown raw and handed to the
// reviewing model unchanged.
//
// Invariants:
//   - Checks never modify the dataset.
//   - Percentages are rounded to two decimals.
//   - Quantiles use linear interpolation between closest ranks.
//
// Usage:
//
//	reg := toolexecutor.NewRegistry()
//	if err := checks.RegisterDefaults(reg); err != nil { ... }
package checks
