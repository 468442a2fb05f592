package dqerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "retrieval", err: &RetrievalError{Op: "query", Err: errors.New("db closed")}, want: KindRetrieval},
		{name: "unknown tool", err: &UnknownToolError{Name: "nope"}, want: KindUnknownTool},
		{name: "check", err: &CheckExecutionError{Tool: "check_duplicates", Err: errors.New("missing column")}, want: KindCheckExecution},
		{name: "bare planning", err: &PlanningError{Err: errors.New("boom")}, want: KindPlanning},
		{
			name: "schema inside planning",
			err:  &PlanningError{Err: &SchemaValidationError{Schema: "action_plan"}},
			want: KindSchemaValidation,
		},
		{
			name: "retrieval inside planning",
			err:  &PlanningError{Err: &RetrievalError{Op: "query", Err: errors.New("x")}},
			want: KindRetrieval,
		},
		{name: "wrapped unknown tool", err: fmt.Errorf("step 1: %w", &UnknownToolError{Name: "x"}), want: KindUnknownTool},
		{name: "cancelled", err: fmt.Errorf("run: %w", context.Canceled), want: KindCancelled},
		{name: "other", err: errors.New("something else"), want: KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("column id not found")
	err := fmt.Errorf("execute: %w", &CheckExecutionError{Tool: "check_duplicates", Err: cause})

	var checkErr *CheckExecutionError
	require.True(t, errors.As(err, &checkErr))
	assert.Equal(t, "check_duplicates", checkErr.Tool)
	assert.ErrorIs(t, err, cause)
}

func TestSchemaValidationErrorMessage(t *testing.T) {
	err := &SchemaValidationError{
		Schema:   "action_plan",
		Problems: []string{"confidence: Must be less than or equal to 1"},
		Attempts: 3,
	}

	assert.Contains(t, err.Error(), "action_plan")
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "confidence")
}

func TestMessageIsDistinctPerKind(t *testing.T) {
	kinds := []Kind{KindRetrieval, KindSchemaValidation, KindPlanning, KindUnknownTool, KindCheckExecution, KindCancelled, KindInternal}
	seen := make(map[string]Kind)
	for _, k := range kinds {
		msg := Message(k)
		require.NotEmpty(t, msg, "kind %s", k)
		if prev, ok := seen[msg]; ok {
			t.Fatalf("kinds %s and %s share message %q", prev, k, msg)
		}
		seen[msg] = k
	}
	assert.Empty(t, Message(KindNone))
}
