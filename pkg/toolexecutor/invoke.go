package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/harun/dqagent/internal/observability"
	"github.com/harun/dqagent/internal/tracing"
	"github.com/harun/dqagent/pkg/dataset"
	"github.com/harun/dqagent/pkg/dqerr"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// Invoke runs def against ds. Inputs are merged over declared defaults;
// undeclared keys are logged and dropped. Validation and handler failures are
// returned as *dqerr.CheckExecutionError; cancellation of ctx is returned as is.
func (r *Registry) Invoke(ctx context.Context, def *ToolDefinition, ds *dataset.Dataset, inputs map[string]interface{}) (interface{}, error) {
	if def == nil {
		return nil, fmt.Errorf("invoke: nil tool definition")
	}

	ctx, span := tracing.StartSpan(ctx, "toolexecutor", "check."+def.Name,
		attribute.String("tool", def.Name),
		attribute.Int("inputs", len(inputs)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("tool", def.Name).Logger()
	startTime := time.Now()

	output, err := r.invoke(ctx, def, ds, inputs)
	duration := time.Since(startTime)
	observability.RecordCheckExecution(def.Name, duration, err == nil)

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Error().Err(err).Dur("duration", duration).Msg("Check execution failed")
		return nil, err
	}

	logger.Debug().Dur("duration", duration).Msg("Check execution completed")
	return output, nil
}

func (r *Registry) invoke(ctx context.Context, def *ToolDefinition, ds *dataset.Dataset, inputs map[string]interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("check %s: %w", def.Name, err)
	}
	if ds == nil {
		return nil, &dqerr.CheckExecutionError{Tool: def.Name, Err: errors.New("no dataset loaded")}
	}

	params, dropped := prepareParams(def, inputs)
	if len(dropped) > 0 {
		log.Warn().
			Str("tool", def.Name).
			Strs("dropped", dropped).
			Msg("Ignoring inputs the check does not declare")
	}

	if err := validateParameters(def.schema, params); err != nil {
		return nil, &dqerr.CheckExecutionError{Tool: def.Name, Err: err}
	}

	r.mu.RLock()
	timeout := r.timeout
	r.mu.RUnlock()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error().Str("tool", def.Name).Str("stack", string(debug.Stack())).Msg("Check panicked")
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := def.Handler(runCtx, ds, params)
		done <- outcome{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &dqerr.CheckExecutionError{Tool: def.Name, Err: res.err}
		}
		return res.value, nil

	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("check %s: %w", def.Name, ctx.Err())
		}
		return nil, &dqerr.CheckExecutionError{
			Tool: def.Name,
			Err:  fmt.Errorf("timed out after %v: %w", timeout, context.DeadlineExceeded),
		}
	}
}

// prepareParams fills declared defaults and keeps only declared inputs.
func prepareParams(def *ToolDefinition, inputs map[string]interface{}) (map[string]interface{}, []string) {
	params := make(map[string]interface{}, len(def.Parameters))
	for _, p := range def.Parameters {
		if p.Default != nil {
			params[p.Name] = p.Default
		}
	}

	var dropped []string
	for k, v := range inputs {
		if _, ok := def.Parameter(k); !ok {
			dropped = append(dropped, k)
			continue
		}
		if v == nil {
			continue
		}
		params[k] = v
	}
	sort.Strings(dropped)
	return params, dropped
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("invalid inputs: %v", problems)
	}

	return nil
}
