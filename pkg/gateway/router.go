package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/dqagent/internal/observability"
)

// RequestHandler handles one RPC method call.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

const defaultReplayTTL = 5 * time.Minute

// RPCRouter dispatches requests to registered methods and replays responses
// for repeated idempotency keys.
type RPCRouter struct {
	mu        sync.RWMutex
	methods   map[string]RequestHandler
	replayTTL time.Duration
	replays   map[string]replayEntry
	now       func() time.Time
}

type replayEntry struct {
	response  RPCResponse
	expiresAt time.Time
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods:   make(map[string]RequestHandler),
		replayTTL: defaultReplayTTL,
		replays:   make(map[string]replayEntry),
		now:       time.Now,
	}
}

// RegisterMethod adds a method. Registering a taken name is an error.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if name == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("method %s is already registered", name)
	}
	r.methods[name] = handler
	return nil
}

// UnregisterMethod removes an RPC method handler
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// ParseRequest decodes a JSON-RPC request and fills protocol defaults.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	if req.Params == nil {
		req.Params = map[string]interface{}{}
	}
	return &req, nil
}

// RouteRequest runs the handler for req. Handler errors are mapped to RPC
// error codes by errorFor. A response to a request carrying an idempotency
// key is replayed for repeats of that key, unless the request was cancelled
// or hit an internal error, which a retry may get past.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: InvalidRequest, Message: "invalid request"}}
	}

	replayKey := ""
	if req.IdempotencyKey != "" {
		replayKey = req.Method + ":" + req.IdempotencyKey
		if cached, ok := r.replay(replayKey); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	r.mu.RLock()
	handler, exists := r.methods[req.Method]
	r.mu.RUnlock()
	if !exists {
		return &RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}

	start := time.Now()
	result, err := handler(ctx, req.Params)
	response := &RPCResponse{ID: req.ID, JSONRPC: "2.0"}
	code := 0
	if err != nil {
		response.Error = errorFor(err)
		code = response.Error.Code
	} else {
		response.Result = result
	}
	observability.RecordRPC(req.Method, code, time.Since(start))

	if replayKey != "" && code != RequestCancelled && code != InternalError {
		r.remember(replayKey, *response)
	}
	return response
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.methods[name]
	return exists
}

// Methods returns all registered method names, sorted.
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

func (r *RPCRouter) replay(key string) (RPCResponse, bool) {
	r.mu.RLock()
	entry, exists := r.replays[key]
	r.mu.RUnlock()
	if !exists || r.now().After(entry.expiresAt) {
		return RPCResponse{}, false
	}
	return copyResponse(entry.response), true
}

// remember stores response under key and drops expired entries.
func (r *RPCRouter) remember(key string, response RPCResponse) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, entry := range r.replays {
		if now.After(entry.expiresAt) {
			delete(r.replays, k)
		}
	}
	r.replays[key] = replayEntry{
		response:  copyResponse(response),
		expiresAt: now.Add(r.replayTTL),
	}
}

func copyResponse(src RPCResponse) RPCResponse {
	out := src
	if src.Error != nil {
		e := *src.Error
		out.Error = &e
	}
	return out
}
