package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/dqagent/internal/observability"
	"github.com/harun/dqagent/internal/tracing"
	"github.com/harun/dqagent/pkg/agent"
	"github.com/harun/dqagent/pkg/dqerr"
	"github.com/harun/dqagent/pkg/memory"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTopK is the number of tool descriptors retrieved per query.
const DefaultTopK = 4

// SystemPrompt is the planning directive sent with every request.
const SystemPrompt = "You are a data-quality agent. Produce ONLY a JSON action plan conforming to the schema. " +
	"Use the tools mentioned in context when relevant."

const userPromptTemplate = "USER QUERY:\n%s\n\n" +
	"TOOLS CONTEXT (top %d):\n%s\n\n" +
	"Rules:\n- Return only JSON (no extra text)\n- Choose minimal steps\n- " +
	"If unsure which id to use, pick the closest by name/tags"

// Retriever returns the tool descriptors most similar to a query.
type Retriever interface {
	Query(ctx context.Context, text string, k int) (memory.RetrievedContext, error)
}

// StructuredCompleter produces schema-validated model output.
type StructuredCompleter interface {
	CompleteStructured(ctx context.Context, system, prompt string, schema *agent.Schema, out interface{}) error
}

// Config holds planner configuration
type Config struct {
	Retriever Retriever
	LLM       StructuredCompleter
	TopK      int
	Logger    zerolog.Logger
}

// Planner turns a free-text request into an ActionPlan.
type Planner struct {
	retriever Retriever
	llm       StructuredCompleter
	topK      int
	logger    zerolog.Logger
}

// New creates a planner
func New(cfg Config) (*Planner, error) {
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if cfg.LLM == nil {
		return nil, fmt.Errorf("language model client is required")
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Planner{
		retriever: cfg.Retriever,
		llm:       cfg.LLM,
		topK:      topK,
		logger:    cfg.Logger,
	}, nil
}

// Plan retrieves tool context for query and asks the model for an action plan.
// Retrieval failures are returned as they are; model output that never matches
// the schema becomes a *dqerr.PlanningError. The plan is returned as the model
// produced it.
func (p *Planner) Plan(ctx context.Context, query string) (*ActionPlan, error) {
	ctx, span := tracing.StartSpan(ctx, "dqagent.planner", "planner.plan",
		attribute.Int("top_k", p.topK),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)
	start := time.Now()

	plan, err := p.plan(ctx, query)
	if err != nil {
		kind := dqerr.KindOf(err)
		observability.RecordPlan(time.Since(start), 0, string(kind))
		tracing.FailSpan(span, err)
		logger.Error().Err(err).Str("kind", string(kind)).Msg("Planning failed")
		return nil, err
	}

	observability.RecordPlan(time.Since(start), len(plan.Steps), "success")
	span.SetAttributes(attribute.Int("steps", len(plan.Steps)))
	logger.Info().
		Str("intent", plan.Intent).
		Strs("tools", plan.ToolNames()).
		Float64("confidence", plan.Confidence).
		Msg("Plan generated")
	return plan, nil
}

func (p *Planner) plan(ctx context.Context, query string) (*ActionPlan, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &dqerr.PlanningError{Query: query, Err: errors.New("query is empty")}
	}

	retrieved, err := p.retriever.Query(ctx, query, p.topK)
	if err != nil {
		return nil, err
	}

	var plan ActionPlan
	if err := p.llm.CompleteStructured(ctx, SystemPrompt, BuildPrompt(query, retrieved), ActionPlanSchema, &plan); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &dqerr.PlanningError{Query: query, Err: err}
	}
	if plan.Steps == nil {
		plan.Steps = []PlanStep{}
	}
	return &plan, nil
}

// BuildPrompt renders the user prompt for query and its retrieved context.
func BuildPrompt(query string, retrieved memory.RetrievedContext) string {
	return fmt.Sprintf(userPromptTemplate, query, len(retrieved), FormatContext(retrieved))
}

// FormatContext renders one entry per retrieved descriptor with its name, tags
// and description.
func FormatContext(retrieved memory.RetrievedContext) string {
	lines := make([]string, 0, len(retrieved))
	for _, r := range retrieved {
		d := r.Descriptor
		name := d.Name
		if name == "" {
			name = "unknown"
		}
		lines = append(lines, fmt.Sprintf("name: %s  \n  tags: %s\n  text: %s",
			name, strings.Join(d.Tags, ","), d.Description()))
	}
	return strings.Join(lines, "\n")
}

// FormatPlan renders a plan for terminal review.
func FormatPlan(plan *ActionPlan) string {
	if plan == nil {
		return "No plan.\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Intent: %s\n", plan.Intent)
	fmt.Fprintf(&b, "Confidence: %.2f\n", plan.Confidence)

	if len(plan.Steps) == 0 {
		b.WriteString("Steps: none (nothing to run)\n")
	} else {
		b.WriteString("Steps:\n")
		for i, s := range plan.Steps {
			fmt.Fprintf(&b, "  %d. %s", i+1, s.ToolName)
			if s.Rationale != "" {
				fmt.Fprintf(&b, ": %s", s.Rationale)
			}
			b.WriteString("\n")
			if len(s.Inputs) > 0 {
				fmt.Fprintf(&b, "     inputs: %s\n", formatInputs(s.Inputs))
			}
		}
	}

	if len(plan.ExpectedOutputs) > 0 {
		b.WriteString("Expected outputs:\n")
		for _, o := range plan.ExpectedOutputs {
			fmt.Fprintf(&b, "  - %s\n", o)
		}
	}
	return b.String()
}

func formatInputs(inputs map[string]interface{}) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, inputs[k]))
	}
	return strings.Join(parts, " ")
}
