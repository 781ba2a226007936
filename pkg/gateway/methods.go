package gateway

import (
	"context"
	"fmt"

	"github.com/soren/mika/internal/tracing"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("agent.run", s.handleAgentRun)
	_ = s.router.RegisterMethod("run.cancel", s.handleRunCancel)
	_ = s.router.RegisterMethod("run.reset", s.handleRunReset)
	_ = s.router.RegisterMethod("queue.status", s.handleQueueStatus)
	_ = s.router.RegisterMethod("queue.clear", s.handleQueueClear)
	_ = s.router.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.router.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.router.RegisterMethod("sessions.delete", s.handleSessionsDelete)
	_ = s.router.RegisterMethod("clients.list", s.handleClientsList)
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	value, ok := params[name].(string)
	if !ok || value == "" {
		return "", &RPCError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("%s parameter is required and must be a string", name),
		}
	}
	return value, nil
}

// handleAgentRun submits a prompt for the given session and blocks until the
// turn settles. Turns for the same session submitted concurrently run one at
// a time in arrival order.
func (s *Server) handleAgentRun(params map[string]interface{}) (interface{}, error) {
	prompt, err := stringParam(params, "prompt")
	if err != nil {
		return nil, err
	}
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}

	ctx := tracing.NewRequestContext(context.Background())
	ctx = tracing.WithSessionKey(ctx, sessionKey)

	result, err := s.agentDispatcher(ctx, prompt, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("agent execution failed: %w", err)
	}
	return result, nil
}

func (s *Server) handleRunCancel(params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}

	delivered := s.queue.CancelRequest(context.Background(), sessionKey)
	return map[string]interface{}{
		"sessionKey": sessionKey,
		"delivered":  delivered,
	}, nil
}

func (s *Server) handleRunReset(params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}

	dropped := s.queue.ClearQueue(sessionKey)
	aborted := s.queue.ResetRequest(context.Background(), sessionKey)
	if err := s.sessions.Clear(context.Background(), sessionKey); err != nil {
		return nil, fmt.Errorf("failed to clear session: %w", err)
	}

	return map[string]interface{}{
		"sessionKey": sessionKey,
		"aborted":    aborted,
		"dropped":    dropped,
	}, nil
}

func (s *Server) handleQueueStatus(params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"sessionKey": sessionKey,
		"processing": s.queue.IsProcessing(sessionKey),
		"depth":      s.queue.QueuePosition(sessionKey),
	}, nil
}

func (s *Server) handleQueueClear(params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}

	dropped := s.queue.ClearQueue(sessionKey)
	return map[string]interface{}{
		"sessionKey": sessionKey,
		"dropped":    dropped,
	}, nil
}

func (s *Server) handleSessionsList(params map[string]interface{}) (interface{}, error) {
	keys, err := s.sessions.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return map[string]interface{}{
		"sessions": keys,
		"count":    len(keys),
	}, nil
}

func (s *Server) handleSessionsGet(params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}

	info, err := s.sessions.Info(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return info, nil
}

func (s *Server) handleSessionsDelete(params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Clear(context.Background(), sessionKey); err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}
	return map[string]interface{}{
		"sessionKey": sessionKey,
		"deleted":    true,
	}, nil
}

func (s *Server) handleClientsList(params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"clients": s.clients.GetConnectedClients(),
	}, nil
}
