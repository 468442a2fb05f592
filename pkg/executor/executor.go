package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/dqagent/internal/observability"
	"github.com/harun/dqagent/internal/tracing"
	"github.com/harun/dqagent/pkg/dataset"
	"github.com/harun/dqagent/pkg/dqerr"
	"github.com/harun/dqagent/pkg/planner"
	"github.com/harun/dqagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Planner produces an action plan for a query.
type Planner interface {
	Plan(ctx context.Context, query string) (*planner.ActionPlan, error)
}

// ToolRunner resolves tool names and runs checks.
type ToolRunner interface {
	Resolve(name string) (*toolexecutor.ToolDefinition, bool)
	Invoke(ctx context.Context, def *toolexecutor.ToolDefinition, ds *dataset.Dataset, inputs map[string]interface{}) (interface{}, error)
}

// TextCompleter generates free text from a prompt.
type TextCompleter interface {
	CompleteText(ctx context.Context, system, prompt string) (string, error)
}

// Config holds executor configuration
type Config struct {
	Planner     Planner
	Tools       ToolRunner
	LLM         TextCompleter
	Loader      dataset.Loader // used by ExecuteQuery only
	Policy      Policy
	StepPolicy  StepPolicy
	ExecContext *ExecutionContext
	Logger      zerolog.Logger
}

// Executor runs action plans against a dataset and reviews every result
// against the policy narrative.
type Executor struct {
	planner    Planner
	tools      ToolRunner
	llm        TextCompleter
	loader     dataset.Loader
	policy     Policy
	stepPolicy StepPolicy
	execCtx    *ExecutionContext
	logger     zerolog.Logger
}

// New creates an executor
func New(cfg Config) (*Executor, error) {
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.LLM == nil {
		return nil, fmt.Errorf("language model client is required")
	}

	stepPolicy := cfg.StepPolicy
	if stepPolicy == "" {
		stepPolicy = StepPolicyFirst
	}
	if stepPolicy != StepPolicyFirst && stepPolicy != StepPolicyAll {
		return nil, fmt.Errorf("unknown step policy %q", stepPolicy)
	}

	policy := cfg.Policy
	if policy.Requirement == "" && policy.PreviousActions == "" {
		policy = DefaultPolicy()
	}

	execCtx := cfg.ExecContext
	if execCtx == nil {
		execCtx = NewExecutionContext()
	}

	return &Executor{
		planner:    cfg.Planner,
		tools:      cfg.Tools,
		llm:        cfg.LLM,
		loader:     cfg.Loader,
		policy:     policy,
		stepPolicy: stepPolicy,
		execCtx:    execCtx,
		logger:     cfg.Logger,
	}, nil
}

// StepPolicy returns the policy this executor runs with.
func (e *Executor) StepPolicy() StepPolicy {
	return e.stepPolicy
}

// ExecutionContext returns the executor's run sequence owner.
func (e *Executor) ExecutionContext() *ExecutionContext {
	return e.execCtx
}

// Execute plans query and runs the plan against ds.
func (e *Executor) Execute(ctx context.Context, query string, ds *dataset.Dataset) (*Result, error) {
	plan, err := e.plan(ctx, query)
	if err != nil {
		return nil, err
	}
	return e.ExecutePlan(ctx, plan, ds)
}

// ExecuteQuery plans query, loads the dataset through the configured loader and
// runs the plan.
func (e *Executor) ExecuteQuery(ctx context.Context, query string) (*Result, error) {
	plan, err := e.plan(ctx, query)
	if err != nil {
		return nil, err
	}
	ds, err := e.LoadDataset(ctx)
	if err != nil {
		return nil, err
	}
	return e.ExecutePlan(ctx, plan, ds)
}

// LoadDataset returns the dataset from the configured loader.
func (e *Executor) LoadDataset(ctx context.Context) (*dataset.Dataset, error) {
	if e.loader == nil {
		return nil, fmt.Errorf("no dataset loader configured")
	}
	ds, err := e.loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	return ds, nil
}

func (e *Executor) plan(ctx context.Context, query string) (*planner.ActionPlan, error) {
	if e.planner == nil {
		return nil, fmt.Errorf("no planner configured")
	}
	return e.planner.Plan(ctx, query)
}

// ExecutePlan runs an already generated plan. Steps run strictly in plan order.
// An unresolvable tool name fails the pass with *dqerr.UnknownToolError and a
// failing check stops it with its *dqerr.CheckExecutionError. A plan without
// steps yields an empty result and no run record.
func (e *Executor) ExecutePlan(ctx context.Context, plan *planner.ActionPlan, ds *dataset.Dataset) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "dqagent.executor", "executor.execute_plan",
		attribute.String("step_policy", string(e.stepPolicy)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)
	start := time.Now()

	result := &Result{Plan: plan, StepPolicy: e.stepPolicy, Records: []RunRecord{}}
	if plan.Empty() {
		result.Empty = true
		observability.RecordRun(time.Since(start), "empty")
		logger.Info().Msg("Plan has no steps, nothing to run")
		return result, nil
	}

	steps := plan.Steps
	if e.stepPolicy == StepPolicyFirst && len(steps) > 1 {
		result.Deferred = append([]planner.PlanStep(nil), steps[1:]...)
		steps = steps[:1]
		logger.Warn().
			Int("deferred", len(result.Deferred)).
			Msg("Running first planned step only")
	}
	span.SetAttributes(attribute.Int("steps", len(steps)))

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, e.fail(span, start, err)
		}

		record, err := e.runStep(ctx, step, ds)
		if err != nil {
			logger.Error().Err(err).Int("step", i+1).Str("tool", step.ToolName).Msg("Step failed")
			return nil, e.fail(span, start, err)
		}
		result.Records = append(result.Records, *record)
	}

	e.fold(result)
	observability.RecordRun(time.Since(start), "success")
	logger.Info().
		Int("records", len(result.Records)).
		Dur("duration", time.Since(start)).
		Msg("Plan executed")
	return result, nil
}

func (e *Executor) fail(span trace.Span, start time.Time, err error) error {
	observability.RecordRun(time.Since(start), string(dqerr.KindOf(err)))
	tracing.FailSpan(span, err)
	return err
}

func (e *Executor) runStep(ctx context.Context, step planner.PlanStep, ds *dataset.Dataset) (*RunRecord, error) {
	def, ok := e.tools.Resolve(step.ToolName)
	if !ok {
		return nil, &dqerr.UnknownToolError{Name: step.ToolName}
	}

	startedAt := time.Now()
	output, err := e.tools.Invoke(ctx, def, ds, step.Inputs)
	if err != nil {
		return nil, err
	}

	summary, err := e.llm.CompleteText(ctx, "", BuildReviewPrompt(e.policy, def.Name, output))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("review %s result: %w", def.Name, err)
	}

	return &RunRecord{
		RunID:     e.execCtx.NextRunID(),
		ToolName:  def.Name,
		Output:    output,
		Summary:   summary,
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
	}, nil
}

// fold sets the caller-facing summary and output from the run records.
func (e *Executor) fold(result *Result) {
	if e.stepPolicy == StepPolicyFirst {
		result.Summary = result.Records[0].Summary
		result.Output = result.Records[0].Output
		return
	}

	outputs := make([]interface{}, 0, len(result.Records))
	sections := make([]string, 0, len(result.Records))
	for i, rec := range result.Records {
		outputs = append(outputs, rec.Output)
		sections = append(sections, fmt.Sprintf("### Step %d: %s\n\n%s", i+1, rec.ToolName, rec.Summary))
	}
	result.Output = outputs
	result.Summary = strings.Join(sections, "\n\n")
}

const reviewTemplate = `You are a data and policy analyst reviewing the results of a tool run.
**Input Context (Structured Data):**
Policy requirements: %s
Previous actions if policy not met: %s
Tool: %s
Result we got: %s
**Task:**
Write a concise and structured summary that includes:
1. **Findings:** What did the analysis reveal? Highlight key observations.
2. **Policy Misalignment:** Identify which aspects are not aligned with the stated policy requirements (if any) and why.
3. **Previous Suggestions or Methods:** Briefly restate what actions or methods were taken previously to handle similar issues.
4. **Next Recommendation (optional):** If the threshold or policy target is not met, suggest the next logical step or adjustment.

Keep the tone factual and analytical. Avoid repeating raw data, focus on insights and implications.`

// BuildReviewPrompt renders the review directive for one tool output.
func BuildReviewPrompt(policy Policy, toolName string, output interface{}) string {
	return fmt.Sprintf(reviewTemplate, policy.Requirement, policy.PreviousActions, toolName, renderOutput(output))
}

func renderOutput(output interface{}) string {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(data)
}
