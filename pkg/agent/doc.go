// Package agent is the language-model boundary of the data-quality agent.
//
// A Client fails over across auth profiles in priority order. Each profile has
// its own circuit breaker and a cooldown that grows with consecutive failures;
// transient errors are retried with exponential backoff before moving on.
//
// CompleteStructured constrains output with a JSON schema. Providers receive
// the schema natively (tool input for Anthropic, response format for OpenAI and
// Gemini), and the reply is validated again locally. Invalid output is returned
// to the model with the validation problems for a bounded number of retries,
// after which a *dqerr.SchemaValidationError is returned.
//
// Usage:
//
//	client, _ := agent.NewClient(agent.Config{Profiles: profiles, SchemaRetries: 2})
//	var plan planner.ActionPlan
//	err := client.CompleteStructured(ctx, system, prompt, planner.ActionPlanSchema, &plan)
package agent
