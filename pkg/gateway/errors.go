package gateway

import (
	"errors"

	"github.com/harun/dqagent/pkg/commandqueue"
	"github.com/harun/dqagent/pkg/dqerr"
	"github.com/harun/dqagent/pkg/session"
)

func invalidParams(message string) *RPCError {
	return &RPCError{Code: InvalidParams, Message: message}
}

// errorFor maps a handler error to its RPC error. Data-quality failures keep
// their kind so clients can render the matching message.
func errorFor(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	switch {
	case errors.Is(err, session.ErrEmptyQuery),
		errors.Is(err, session.ErrNoQuery),
		errors.Is(err, session.ErrNoPlan),
		errors.Is(err, session.ErrSessionNotFound):
		return invalidParams(err.Error())
	case errors.Is(err, session.ErrRunInProgress):
		return &RPCError{Code: Conflict, Message: err.Error()}
	case errors.Is(err, commandqueue.ErrQueueClosed):
		return &RPCError{Code: InternalError, Message: err.Error()}
	}

	kind := dqerr.KindOf(err)
	data := map[string]interface{}{
		"kind":   string(kind),
		"detail": err.Error(),
	}
	code := InternalError
	switch kind {
	case dqerr.KindRetrieval:
		code = RetrievalFailed
	case dqerr.KindSchemaValidation:
		code = SchemaValidationFailed
	case dqerr.KindPlanning:
		code = PlanningFailed
	case dqerr.KindUnknownTool:
		code = UnknownTool
	case dqerr.KindCheckExecution:
		code = CheckFailed
	case dqerr.KindCancelled:
		code = RequestCancelled
	}
	return &RPCError{Code: code, Message: dqerr.Message(kind), Data: data}
}
