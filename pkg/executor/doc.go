// Package executor runs action plans.
//
// Each step is resolved against the tool registry, run on the dataset and the
// raw output is reviewed by the language model against the policy narrative.
// StepPolicyFirst (the default) runs the first step only and reports the
// remaining steps in Result.Deferred; StepPolicyAll runs them all in order.
// Run sequence numbers come from an ExecutionContext owned by the executor.
package executor
