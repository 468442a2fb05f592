package gateway

import (
	"context"
	"fmt"

	"github.com/harun/dqagent/internal/tracing"
	"github.com/harun/dqagent/pkg/commandqueue"
	"github.com/harun/dqagent/pkg/dqerr"
	"github.com/harun/dqagent/pkg/executor"
	"github.com/harun/dqagent/pkg/planner"
	"github.com/harun/dqagent/pkg/session"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("dq.submitQuery", s.handleSubmitQuery)
	_ = s.RegisterMethod("dq.getPlan", s.handleGetPlan)
	_ = s.RegisterMethod("dq.run", s.handleRun)
	_ = s.RegisterMethod("dq.getResult", s.handleGetResult)
	_ = s.RegisterMethod("dq.session", s.handleSession)
	_ = s.RegisterMethod("dq.tools", s.handleTools)
	_ = s.RegisterMethod("dq.subscribe", s.handleSubscribe)
	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("sessions.delete", s.handleSessionsDelete)
	_ = s.RegisterMethod("gateway.status", s.handleStatus)
}

func laneFor(sessionKey string) string {
	return "session:" + sessionKey
}

func stringParam(params map[string]interface{}, name string, required bool) (string, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		if required {
			return "", invalidParams(fmt.Sprintf("%s parameter is required", name))
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", invalidParams(fmt.Sprintf("%s parameter must be a string", name))
	}
	if required && value == "" {
		return "", invalidParams(fmt.Sprintf("%s parameter is required", name))
	}
	return value, nil
}

// sessionFor resolves the sessionKey parameter, creating the session when
// create is set.
func (s *Server) sessionFor(ctx context.Context, params map[string]interface{}, create bool) (*session.Session, error) {
	key, err := stringParam(params, "sessionKey", true)
	if err != nil {
		return nil, err
	}
	if err := session.ValidateKey(key); err != nil {
		return nil, invalidParams(err.Error())
	}
	if client, ok := callerFrom(ctx); ok {
		client.Subscribe(key)
	}
	if create {
		return s.sessions.Get(key)
	}
	sess, ok := s.sessions.Lookup(key)
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Server) enqueue(ctx context.Context, sessionKey string, params map[string]interface{}, task commandqueue.Task) (interface{}, error) {
	requestID, err := stringParam(params, "requestId", false)
	if err != nil {
		return nil, err
	}
	return s.queue.EnqueueWithOptions(ctx, laneFor(sessionKey), task, commandqueue.TaskOptions{
		RequestID: requestID,
		WarnAfter: s.queueWarnAfter,
	})
}

// PlanView is the dq.submitQuery and dq.getPlan response.
type PlanView struct {
	SessionKey string              `json:"session_key"`
	Query      string              `json:"query"`
	Available  bool                `json:"available"`
	Plan       *planner.ActionPlan `json:"plan,omitempty"`
	Rendered   string              `json:"rendered,omitempty"`
	Message    string              `json:"message,omitempty"`
}

// handleSubmitQuery records a query and plans it.
func (s *Server) handleSubmitQuery(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.sessionFor(ctx, params, true)
	if err != nil {
		return nil, err
	}
	query, err := stringParam(params, "query", true)
	if err != nil {
		return nil, err
	}

	value, err := s.enqueue(ctx, sess.Key(), params, func(ctx context.Context) (interface{}, error) {
		return sess.SubmitQuery(ctx, query)
	})
	if err != nil {
		s.broadcaster.Publish(sess.Key(), "plan.failed", map[string]interface{}{
			"kind":    string(dqerr.KindOf(err)),
			"message": dqerr.Message(dqerr.KindOf(err)),
		})
		return nil, err
	}

	plan := value.(*planner.ActionPlan)
	view := PlanView{
		SessionKey: sess.Key(),
		Query:      sess.Query(),
		Available:  true,
		Plan:       plan,
		Rendered:   planner.FormatPlan(plan),
		Message:    session.PlanAcknowledgement,
	}
	s.broadcaster.Publish(sess.Key(), "plan.ready", view)
	return view, nil
}

// handleGetPlan returns the plan of the last query.
func (s *Server) handleGetPlan(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.sessionFor(ctx, params, false)
	if err != nil {
		return nil, err
	}
	view := PlanView{SessionKey: sess.Key(), Query: sess.Query()}
	if plan, ok := sess.GetPlan(); ok {
		view.Available = true
		view.Plan = plan
		view.Rendered = planner.FormatPlan(plan)
	}
	return view, nil
}

// handleRun executes the stored plan of the session.
func (s *Server) handleRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.sessionFor(ctx, params, false)
	if err != nil {
		return nil, err
	}

	ctx = tracing.NewRunContext(ctx)
	s.broadcaster.Publish(sess.Key(), "run.started", map[string]interface{}{
		"query":  sess.Query(),
		"run_id": tracing.GetRunID(ctx),
	})

	value, err := s.enqueue(ctx, sess.Key(), params, func(ctx context.Context) (interface{}, error) {
		if s.runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
			defer cancel()
		}
		return sess.SubmitRun(ctx)
	})
	if err != nil {
		kind := dqerr.KindOf(err)
		s.broadcaster.Publish(sess.Key(), "run.failed", map[string]interface{}{
			"run_id":  tracing.GetRunID(ctx),
			"kind":    string(kind),
			"message": dqerr.Message(kind),
		})
		return nil, err
	}

	result := value.(*executor.Result)
	s.broadcaster.Publish(sess.Key(), "run.completed", map[string]interface{}{
		"run_id":  tracing.GetRunID(ctx),
		"records": len(result.Records),
		"empty":   result.Empty,
	})
	return result, nil
}

// ResultView is the dq.getResult response.
type ResultView struct {
	SessionKey string      `json:"session_key"`
	Available  bool        `json:"available"`
	Summary    string      `json:"summary,omitempty"`
	Output     interface{} `json:"output,omitempty"`
}

func (s *Server) handleGetResult(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.sessionFor(ctx, params, false)
	if err != nil {
		return nil, err
	}
	summary, output, ok := sess.GetResult()
	return ResultView{SessionKey: sess.Key(), Available: ok, Summary: summary, Output: output}, nil
}

func (s *Server) handleSession(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.sessionFor(ctx, params, false)
	if err != nil {
		return nil, err
	}
	return sess.Snapshot(), nil
}

func (s *Server) handleTools(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"tools": s.tools.List()}, nil
}

// handleSubscribe routes a session's events to the calling WebSocket client.
func (s *Server) handleSubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client, ok := callerFrom(ctx)
	if !ok {
		return nil, invalidParams("subscriptions require a WebSocket connection")
	}
	key, err := stringParam(params, "sessionKey", true)
	if err != nil {
		return nil, err
	}
	if err := session.ValidateKey(key); err != nil {
		return nil, invalidParams(err.Error())
	}
	if unsubscribe, _ := params["unsubscribe"].(bool); unsubscribe {
		client.Unsubscribe(key)
		return map[string]interface{}{"subscribed": false, "session_key": key}, nil
	}
	client.Subscribe(key)
	return map[string]interface{}{"subscribed": true, "session_key": key}, nil
}

func (s *Server) handleSessionsList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": s.sessions.List()}, nil
}

func (s *Server) handleSessionsDelete(_ context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := stringParam(params, "sessionKey", true)
	if err != nil {
		return nil, err
	}
	if sess, ok := s.sessions.Lookup(key); ok && sess.Snapshot().Running {
		return nil, session.ErrRunInProgress
	}
	deleted := s.sessions.Delete(key)
	s.queue.ClearLane(laneFor(key))
	s.queue.RemoveLane(laneFor(key))
	return map[string]interface{}{"deleted": deleted}, nil
}

func (s *Server) handleStatus(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"clients":  s.clients.Info(),
		"sessions": s.sessions.Len(),
		"methods":  s.router.Methods(),
		"lanes":    s.queue.Stats(),
	}, nil
}
