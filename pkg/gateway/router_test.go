package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/dqagent/pkg/dqerr"
	"github.com/harun/dqagent/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		err := router.RegisterMethod("test.method", func(context.Context, map[string]interface{}) (interface{}, error) {
			return "result", nil
		})
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("should reject duplicate and empty names", func(t *testing.T) {
		noop := func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }
		err := router.RegisterMethod("test.method", noop)
		assert.ErrorContains(t, err, "already registered")
		assert.Error(t, router.RegisterMethod("", noop))
	})

	t.Run("should unregister method", func(t *testing.T) {
		router.UnregisterMethod("test.method")
		assert.False(t, router.HasMethod("test.method"))
		router.UnregisterMethod("non.existent")
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"dq.getPlan","params":{"sessionKey":"a"}}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "dq.getPlan", req.Method)
		assert.Equal(t, "a", req.Params["sessionKey"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	t.Run("should default params", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"dq.tools"}`))
		require.NoError(t, err)
		assert.NotNil(t, req.Params)
	})

	tests := []struct {
		name string
		data string
		code int
	}{
		{"malformed JSON", `{"id":`, ParseError},
		{"missing id", `{"method":"x"}`, InvalidRequest},
		{"missing method", `{"id":"1"}`, InvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tt.data))
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	var calls atomic.Int32
	require.NoError(t, router.RegisterMethod("count", func(context.Context, map[string]interface{}) (interface{}, error) {
		return calls.Add(1), nil
	}))
	require.NoError(t, router.RegisterMethod("fail", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, &dqerr.UnknownToolError{Name: "nope"}
	}))
	var cancelled atomic.Int32
	require.NoError(t, router.RegisterMethod("slow", func(context.Context, map[string]interface{}) (interface{}, error) {
		if cancelled.Add(1) == 1 {
			return nil, fmt.Errorf("run aborted: %w", context.Canceled)
		}
		return "done", nil
	}))

	t.Run("routes to handler", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "count"})
		assert.Nil(t, resp.Error)
		assert.Equal(t, int32(1), resp.Result)
		assert.Equal(t, "2.0", resp.JSONRPC)
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("handler errors are mapped", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "fail"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, UnknownTool, resp.Error.Code)
	})

	t.Run("idempotency key replays the response", func(t *testing.T) {
		first := router.RouteRequest(context.Background(), &RPCRequest{ID: "4", Method: "count", IdempotencyKey: "k"})
		second := router.RouteRequest(context.Background(), &RPCRequest{ID: "5", Method: "count", IdempotencyKey: "k"})
		assert.Equal(t, first.Result, second.Result)
		assert.Equal(t, "5", second.ID)
	})

	t.Run("cancelled responses are not replayed", func(t *testing.T) {
		first := router.RouteRequest(context.Background(), &RPCRequest{ID: "6", Method: "slow", IdempotencyKey: "r"})
		require.NotNil(t, first.Error)
		assert.Equal(t, RequestCancelled, first.Error.Code)

		retry := router.RouteRequest(context.Background(), &RPCRequest{ID: "7", Method: "slow", IdempotencyKey: "r"})
		assert.Nil(t, retry.Error)
		assert.Equal(t, "done", retry.Result)
	})

	t.Run("replays expire", func(t *testing.T) {
		now := time.Now()
		router.now = func() time.Time { return now }
		first := router.RouteRequest(context.Background(), &RPCRequest{ID: "8", Method: "count", IdempotencyKey: "ttl"})

		now = now.Add(defaultReplayTTL + time.Second)
		second := router.RouteRequest(context.Background(), &RPCRequest{ID: "9", Method: "count", IdempotencyKey: "ttl"})
		assert.NotEqual(t, first.Result, second.Result)
	})

	t.Run("nil request", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})

	assert.Equal(t, []string{"count", "fail", "slow"}, router.Methods())
}

func TestErrorFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind dqerr.Kind
	}{
		{"retrieval", &dqerr.RetrievalError{Op: "query", Err: errors.New("index missing")}, RetrievalFailed, dqerr.KindRetrieval},
		{"schema", &dqerr.SchemaValidationError{Schema: "action_plan"}, SchemaValidationFailed, dqerr.KindSchemaValidation},
		{"planning", &dqerr.PlanningError{Err: errors.New("x")}, PlanningFailed, dqerr.KindPlanning},
		{"unknown tool", fmt.Errorf("step 1: %w", &dqerr.UnknownToolError{Name: "x"}), UnknownTool, dqerr.KindUnknownTool},
		{"check", &dqerr.CheckExecutionError{Tool: "check_missing", Err: errors.New("x")}, CheckFailed, dqerr.KindCheckExecution},
		{"cancelled", context.Canceled, RequestCancelled, dqerr.KindCancelled},
		{"internal", errors.New("boom"), InternalError, dqerr.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := errorFor(tt.err)
			assert.Equal(t, tt.code, rpcErr.Code)
			assert.Equal(t, dqerr.Message(tt.kind), rpcErr.Message)
			data, ok := rpcErr.Data.(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, string(tt.kind), data["kind"])
		})
	}

	t.Run("session errors", func(t *testing.T) {
		assert.Equal(t, InvalidParams, errorFor(session.ErrNoPlan).Code)
		assert.Equal(t, InvalidParams, errorFor(session.ErrSessionNotFound).Code)
		assert.Equal(t, Conflict, errorFor(session.ErrRunInProgress).Code)
	})

	t.Run("rpc errors pass through", func(t *testing.T) {
		in := invalidParams("bad")
		assert.Same(t, in, errorFor(in))
	})
}
