package executor

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harun/dqagent/internal/config"
	"github.com/harun/dqagent/pkg/planner"
)

// StepPolicy decides how many planned steps one execution pass runs.
type StepPolicy string

const (
	// StepPolicyFirst runs only the first step and reports the rest as deferred.
	StepPolicyFirst StepPolicy = "first"
	// StepPolicyAll runs every step in order and aggregates the results.
	StepPolicyAll StepPolicy = "all"
)

// ParseStepPolicy maps a configuration value to a StepPolicy. Empty means first.
func ParseStepPolicy(s string) (StepPolicy, error) {
	switch StepPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StepPolicyFirst:
		return StepPolicyFirst, nil
	case StepPolicyAll:
		return StepPolicyAll, nil
	default:
		return "", fmt.Errorf("unknown step policy %q (want first or all)", s)
	}
}

// ExecutionContext owns the run sequence for one executor. Numbers start at 1.
type ExecutionContext struct {
	runs atomic.Int64
}

// NewExecutionContext returns a context whose first run id is 1.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{}
}

// NextRunID returns the next run sequence number.
func (c *ExecutionContext) NextRunID() int64 {
	return c.runs.Add(1)
}

// Runs returns how many run ids have been handed out.
func (c *ExecutionContext) Runs() int64 {
	return c.runs.Load()
}

// Policy is the narrative every result is reviewed against.
type Policy struct {
	Requirement     string `json:"requirement"`
	PreviousActions string `json:"previous_actions"`
}

// DefaultPolicy returns the built-in missing-data policy.
func DefaultPolicy() Policy {
	return Policy{
		Requirement:     config.DefaultPolicyRequirement,
		PreviousActions: config.DefaultPreviousActions,
	}
}

// RunRecord is the outcome of one executed step.
type RunRecord struct {
	RunID     int64         `json:"run_id" yaml:"run_id"`
	ToolName  string        `json:"tool_name" yaml:"tool_name"`
	Output    interface{}   `json:"output" yaml:"output"`
	Summary   string        `json:"summary" yaml:"summary"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Result is what one execution pass hands back to its caller.
//
// Under StepPolicyFirst, Summary and Output come from the single executed step
// and the remaining steps are listed in Deferred. Under StepPolicyAll, Output
// is the ordered list of step outputs and Summary joins every step narrative.
type Result struct {
	Plan       *planner.ActionPlan `json:"plan" yaml:"plan"`
	StepPolicy StepPolicy          `json:"step_policy" yaml:"step_policy"`
	Summary    string              `json:"summary" yaml:"summary"`
	Output     interface{}         `json:"output" yaml:"output"`
	Records    []RunRecord         `json:"records" yaml:"records"`
	Deferred   []planner.PlanStep  `json:"deferred,omitempty" yaml:"deferred,omitempty"`
	Empty      bool                `json:"empty" yaml:"empty"`
}
