package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/store"
	"github.com/gentlabs/gent/pkg/protocol"
)

// handleSubscribeEvents opens a live event stream for one session. The
// response carries a subscription id; envelopes then arrive as event frames
// until unsubscribe, disconnect, or a slow-consumer drop.
func (s *Server) handleSubscribeEvents(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
		BranchID  string `json:"branchId"`
		After     uint64 `json:"after"`
	}
	if err := decodeParams(req, &params); err != nil || params.SessionID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionId required"))
		return
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := s.events.Subscribe(subCtx, store.EventFilter{
		SessionID: params.SessionID,
		BranchID:  params.BranchID,
		AfterID:   params.After,
	})
	if err != nil {
		cancel()
		s.sendStoreError(client, req.ID, err)
		return
	}

	subID := uuid.NewString()
	if !client.AddSubscription(subID, func() {
		cancel()
		sub.Close()
	}) {
		cancel()
		sub.Close()
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"subscriptionId": subID}))

	go func() {
		defer client.RemoveSubscription(subID)
		for env := range sub.Events() {
			client.SendEvent(envelopeFrame(env))
		}
		reason := "closed"
		if err := sub.Err(); err != nil {
			reason = err.Error()
		}
		client.SendEvent(protocol.NewEvent(protocol.EventSubscriptionEnded, map[string]any{
			"subscriptionId": subID,
			"reason":         reason,
		}))
	}()
}

func (s *Server) handleUnsubscribe(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	decodeParams(req, &params)

	client.RemoveSubscription(params.SubscriptionID)
	client.SendResponse(protocol.NewOKResponse(req.ID, nil))
}

func envelopeFrame(env event.Envelope) *protocol.EventFrame {
	return &protocol.EventFrame{
		Type:      protocol.FrameEvent,
		Event:     string(env.Event.Type),
		Seq:       env.ID,
		SessionID: env.Event.SessionID,
		BranchID:  env.Event.BranchID,
		CreatedAt: env.CreatedAt.Format(time.RFC3339Nano),
		Payload:   env.Event.Payload,
	}
}
