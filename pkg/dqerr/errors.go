package dqerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is a stable, presentation-facing error classification.
type Kind string

const (
	KindNone             Kind = ""
	KindRetrieval        Kind = "retrieval"
	KindSchemaValidation Kind = "schema_validation"
	KindPlanning         Kind = "planning"
	KindUnknownTool      Kind = "unknown_tool"
	KindCheckExecution   Kind = "check_execution"
	KindCancelled        Kind = "cancelled"
	KindInternal         Kind = "internal"
)

// ErrEmptyPlan marks a plan with zero steps. It is a condition, not a failure:
// executors report it through their result rather than returning it.
var ErrEmptyPlan = errors.New("plan contains no steps")

// RetrievalError reports that the embedding or index boundary failed.
type RetrievalError struct {
	Op  string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval %s failed: %v", e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// SchemaValidationError reports model output that does not conform to the requested schema.
type SchemaValidationError struct {
	Schema   string
	Problems []string
	Raw      string
	Attempts int
}

func (e *SchemaValidationError) Error() string {
	msg := fmt.Sprintf("model output does not match schema %q", e.Schema)
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	return msg
}

// PlanningError wraps a failure to produce an action plan.
type PlanningError struct {
	Query string
	Err   error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed: %v", e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// UnknownToolError reports a plan step naming a tool the registry cannot resolve.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %q", e.Name)
}

// CheckExecutionError reports a resolved check that failed while running.
type CheckExecutionError struct {
	Tool string
	Err  error
}

func (e *CheckExecutionError) Error() string {
	return fmt.Sprintf("check %s failed: %v", e.Tool, e.Err)
}

func (e *CheckExecutionError) Unwrap() error { return e.Err }

// KindOf classifies err by the most specific error kind found in its chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var unknown *UnknownToolError
	var check *CheckExecutionError
	var schema *SchemaValidationError
	var retrieval *RetrievalError
	var planning *PlanningError

	switch {
	case errors.As(err, &unknown):
		return KindUnknownTool
	case errors.As(err, &check):
		return KindCheckExecution
	case errors.As(err, &schema):
		return KindSchemaValidation
	case errors.As(err, &retrieval):
		return KindRetrieval
	case errors.As(err, &planning):
		return KindPlanning
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// Message returns the user-facing text for an error kind.
func Message(kind Kind) string {
	switch kind {
	case KindRetrieval:
		return "The tool knowledge base could not be searched. Rebuild the index and try again."
	case KindSchemaValidation:
		return "The language model returned a plan that does not match the action plan format."
	case KindPlanning:
		return "No action plan could be generated for this request."
	case KindUnknownTool:
		return "The plan references a tool that is not registered."
	case KindCheckExecution:
		return "A data-quality check failed while running."
	case KindCancelled:
		return "The request was cancelled before it finished."
	case KindNone:
		return ""
	default:
		return "An unexpected error occurred."
	}
}
