package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/gentlabs/gent/internal/agent"
	"github.com/gentlabs/gent/internal/store"
	"github.com/gentlabs/gent/pkg/protocol"
)

// registerMethods installs the RPC surface on the router.
func (s *Server) registerMethods() {
	r := s.router

	r.Register(protocol.MethodCreateSession, s.handleCreateSession)
	r.Register(protocol.MethodListSessions, s.handleListSessions)
	r.Register(protocol.MethodGetSession, s.handleGetSession)
	r.Register(protocol.MethodGetSessionState, s.handleGetSessionState)
	r.Register(protocol.MethodUpdateSessionBypass, s.handleUpdateSessionBypass)

	r.Register(protocol.MethodListBranches, s.handleListBranches)
	r.Register(protocol.MethodCreateBranch, s.handleCreateBranch)
	r.Register(protocol.MethodForkBranch, s.handleForkBranch)
	r.Register(protocol.MethodSwitchBranch, s.handleSwitchBranch)
	r.Register(protocol.MethodGetBranchTree, s.handleGetBranchTree)
	r.Register(protocol.MethodCompactBranch, s.handleCompactBranch)

	r.Register(protocol.MethodSendMessage, s.handleSendMessage)
	r.Register(protocol.MethodListMessages, s.handleListMessages)
	r.Register(protocol.MethodSteer, s.handleSteer)

	r.Register(protocol.MethodRespondPermission, s.handleRespondPermission)
	r.Register(protocol.MethodRespondPlan, s.handleRespondPlan)
	r.Register(protocol.MethodRespondQuestions, s.handleRespondQuestions)

	r.Register(protocol.MethodSubscribeEvents, s.handleSubscribeEvents)
	r.Register(protocol.MethodUnsubscribe, s.handleUnsubscribe)

	r.Register(protocol.MethodHealth, s.handleHealthRPC)
}

func decodeParams(req *protocol.RequestFrame, dst any) error {
	if req.Params == nil {
		return nil
	}
	return json.Unmarshal(req.Params, dst)
}

func (s *Server) sendStoreError(client *Client, reqID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		client.SendResponse(protocol.NewErrorResponse(reqID, protocol.ErrNotFound, err.Error()))
		return
	}
	slog.Error("rpc storage failure", "error", err)
	client.SendResponse(protocol.NewErrorResponse(reqID, protocol.ErrInternal, err.Error()))
}

func (s *Server) handleCreateSession(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		Name         string `json:"name"`
		FirstMessage string `json:"firstMessage"`
		Cwd          string `json:"cwd"`
		Bypass       bool   `json:"bypass"`
	}
	if err := decodeParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed params"))
		return
	}

	res, err := s.manager.CreateSession(ctx, agent.CreateSessionRequest{
		Name:         params.Name,
		FirstMessage: params.FirstMessage,
		Cwd:          params.Cwd,
		Bypass:       params.Bypass,
	})
	if err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"sessionId": res.SessionID,
		"branchId":  res.BranchID,
		"name":      res.Name,
		"bypass":    res.Bypass,
	}))
}

func (s *Server) handleListSessions(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		Cwd string `json:"cwd"`
	}
	decodeParams(req, &params)

	sessions, err := s.storage.ListSessions(ctx, params.Cwd)
	if err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"sessions": sessions}))
}

func (s *Server) handleGetSession(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	decodeParams(req, &params)

	session, err := s.storage.GetSession(ctx, params.SessionID)
	if err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, session))
}

func (s *Server) handleGetSessionState(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
		BranchID  string `json:"branchId"`
	}
	decodeParams(req, &params)

	state, err := s.manager.GetSessionState(ctx, params.SessionID, params.BranchID)
	if err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, state))
}

func (s *Server) handleUpdateSessionBypass(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
		Bypass    bool   `json:"bypass"`
	}
	decodeParams(req, &params)

	if err := s.manager.UpdateBypass(ctx, params.SessionID, params.Bypass); err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"bypass": params.Bypass}))
}

func (s *Server) handleSendMessage(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
		BranchID  string `json:"branchId"`
		Content   string `json:"content"`
		Agent     string `json:"agent"`
		Mode      string `json:"mode"`
		Model     string `json:"model"`
	}
	if err := decodeParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed params"))
		return
	}
	if params.Content == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "content must not be empty"))
		return
	}

	err := s.manager.SendMessage(params.SessionID, params.BranchID, agent.SendRequest{
		Content: params.Content,
		Agent:   params.Agent,
		Mode:    agent.Mode(params.Mode),
		Model:   params.Model,
	})
	if err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, nil))
}

func (s *Server) handleListMessages(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		BranchID string `json:"branchId"`
	}
	decodeParams(req, &params)

	msgs, err := s.storage.ListMessages(ctx, params.BranchID)
	if err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"messages": msgs}))
}

func (s *Server) handleSteer(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
		BranchID  string `json:"branchId"`
		agent.Steer
	}
	if err := decodeParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed params"))
		return
	}

	if err := s.manager.Steer(params.SessionID, params.BranchID, params.Steer); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, nil))
}

func (s *Server) handleCompactBranch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
		BranchID  string `json:"branchId"`
	}
	decodeParams(req, &params)

	if err := s.manager.CompactBranch(ctx, params.SessionID, params.BranchID); err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, nil))
}

func (s *Server) handleHealthRPC(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
	}))
}
