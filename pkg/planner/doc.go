// Package planner turns a natural-language request into a typed ActionPlan.
//
// Plan retrieves the closest tool descriptors, renders them as a context
// block and asks the language model for output constrained to
// ActionPlanSchema. Step tool names are not checked here; the executor
// resolves them against the registry and rejects unknown ones.
package planner
