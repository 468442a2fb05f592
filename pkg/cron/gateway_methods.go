package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/dqagent/pkg/gateway"
)

// decodeParams re-encodes the generic RPC params into a typed struct.
func decodeParams(params map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return invalidParams(err.Error())
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func invalidParams(message string) *gateway.RPCError {
	return &gateway.RPCError{Code: gateway.InvalidParams, Message: message}
}

// rpcError turns validation and lookup failures into invalid params; the rest
// are left to the gateway.
func rpcError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrJobNotFound) {
		return invalidParams(err.Error())
	}
	if errors.Is(err, ErrServiceStopped) {
		return &gateway.RPCError{Code: gateway.InternalError, Message: err.Error()}
	}
	return err
}

func jobID(params map[string]interface{}) (string, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return "", invalidParams("missing required parameter: id")
	}
	return id, nil
}

// RegisterGatewayMethods exposes the scheduler as cron.* RPC methods.
func RegisterGatewayMethods(gw *gateway.Server, service *Service) error {
	// cron.list - List jobs, optionally filtered by enabled
	if err := gw.RegisterMethod("cron.list", func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		var enabled *bool
		if val, ok := params["enabled"].(bool); ok {
			enabled = &val
		}
		jobs := service.ListJobs(enabled)
		return map[string]interface{}{
			"jobs":  jobs,
			"count": len(jobs),
		}, nil
	}); err != nil {
		return fmt.Errorf("failed to register cron.list: %w", err)
	}

	// cron.add - Create a job
	if err := gw.RegisterMethod("cron.add", func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		add := AddParams{Enabled: true}
		if err := decodeParams(params, &add); err != nil {
			return nil, err
		}
		job, err := service.AddJob(add)
		if err != nil {
			if errors.Is(err, ErrServiceStopped) {
				return nil, rpcError(err)
			}
			return nil, invalidParams(err.Error())
		}
		return job, nil
	}); err != nil {
		return fmt.Errorf("failed to register cron.add: %w", err)
	}

	// cron.update - Patch a job
	if err := gw.RegisterMethod("cron.update", func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		id, err := jobID(params)
		if err != nil {
			return nil, err
		}
		var req struct {
			Patch JobPatch `json:"patch"`
		}
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		job, err := service.UpdateJob(id, req.Patch)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrServiceStopped) {
				return nil, rpcError(err)
			}
			return nil, invalidParams(err.Error())
		}
		return job, nil
	}); err != nil {
		return fmt.Errorf("failed to register cron.update: %w", err)
	}

	// cron.remove - Delete a job
	if err := gw.RegisterMethod("cron.remove", func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		id, err := jobID(params)
		if err != nil {
			return nil, err
		}
		if err := service.RemoveJob(id); err != nil {
			return nil, rpcError(err)
		}
		return map[string]interface{}{"removed": true, "id": id}, nil
	}); err != nil {
		return fmt.Errorf("failed to register cron.remove: %w", err)
	}

	// cron.run - Trigger a job now
	if err := gw.RegisterMethod("cron.run", func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		id, err := jobID(params)
		if err != nil {
			return nil, err
		}
		mode := RunModeForce
		if val, ok := params["mode"].(string); ok && val != "" {
			mode = RunMode(val)
		}
		if mode != RunModeForce && mode != RunModeDue {
			return nil, invalidParams(fmt.Sprintf("unknown run mode %q (want due or force)", mode))
		}
		if err := service.RunJob(id, mode); err != nil {
			return nil, rpcError(err)
		}
		return map[string]interface{}{"triggered": true, "id": id, "mode": mode}, nil
	}); err != nil {
		return fmt.Errorf("failed to register cron.run: %w", err)
	}

	// cron.status - Scheduler counters
	if err := gw.RegisterMethod("cron.status", func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		return service.Status(), nil
	}); err != nil {
		return fmt.Errorf("failed to register cron.status: %w", err)
	}

	return nil
}
