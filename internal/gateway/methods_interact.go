package gateway

import (
	"context"

	"github.com/gentlabs/gent/internal/interact"
	"github.com/gentlabs/gent/pkg/protocol"
)

// Interactive responses resume a turn parked on a pending table. A stale or
// duplicate requestId is a no-op; the response still reports whether anything
// was resumed so UIs can clear their dialogs.

func (s *Server) handleRespondPermission(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		RequestID string `json:"requestId"`
		Allow     bool   `json:"allow"`
		Persist   bool   `json:"persist"`
		Pattern   string `json:"pattern"`
	}
	if err := decodeParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed params"))
		return
	}

	resumed := s.interactions.RespondPermission(params.RequestID, interact.PermissionDecision{
		Allow:   params.Allow,
		Persist: params.Persist,
		Pattern: params.Pattern,
	})
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"resumed": resumed}))
}

func (s *Server) handleRespondPlan(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		RequestID string `json:"requestId"`
		Confirmed bool   `json:"confirmed"`
		Reason    string `json:"reason"`
	}
	if err := decodeParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed params"))
		return
	}

	resumed := s.interactions.RespondPlan(params.RequestID, interact.PlanDecision{
		Confirmed: params.Confirmed,
		Reason:    params.Reason,
	})
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"resumed": resumed}))
}

func (s *Server) handleRespondQuestions(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		RequestID string     `json:"requestId"`
		Answers   [][]string `json:"answers"`
	}
	if err := decodeParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed params"))
		return
	}

	resumed := s.interactions.RespondQuestions(params.RequestID, interact.Answers(params.Answers))
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"resumed": resumed}))
}
