package gateway

import (
	"context"

	"github.com/gentlabs/gent/internal/store"
	"github.com/gentlabs/gent/pkg/protocol"
)

func (s *Server) handleListBranches(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	decodeParams(req, &params)

	branches, err := s.storage.ListBranches(ctx, params.SessionID)
	if err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"branches": branches}))
}

func (s *Server) handleCreateBranch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
		Name      string `json:"name"`
	}
	if err := decodeParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed params"))
		return
	}

	branch, err := s.manager.CreateBranch(ctx, params.SessionID, params.Name)
	if err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, branch))
}

func (s *Server) handleForkBranch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID     string `json:"sessionId"`
		BranchID      string `json:"branchId"`
		FromMessageID string `json:"fromMessageId"`
		Name          string `json:"name"`
	}
	if err := decodeParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed params"))
		return
	}

	branch, err := s.manager.ForkBranch(ctx, params.SessionID, params.BranchID, params.FromMessageID, params.Name)
	if err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, branch))
}

func (s *Server) handleSwitchBranch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
		BranchID  string `json:"branchId"`
	}
	decodeParams(req, &params)

	if err := s.manager.SwitchBranch(ctx, params.SessionID, params.BranchID); err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, nil))
}

// BranchNode is one node of the branch forest returned by getBranchTree.
type BranchNode struct {
	Branch   *store.Branch `json:"branch"`
	Children []*BranchNode `json:"children,omitempty"`
}

func (s *Server) handleGetBranchTree(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	decodeParams(req, &params)

	branches, err := s.storage.ListBranches(ctx, params.SessionID)
	if err != nil {
		s.sendStoreError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"tree": buildBranchTree(branches),
	}))
}

// buildBranchTree arranges branches into a forest by parent id. Branches
// whose parent is missing become roots, so a partially-listed session still
// renders.
func buildBranchTree(branches []*store.Branch) []*BranchNode {
	nodes := make(map[string]*BranchNode, len(branches))
	for _, b := range branches {
		nodes[b.ID] = &BranchNode{Branch: b}
	}
	var roots []*BranchNode
	for _, b := range branches {
		node := nodes[b.ID]
		if parent, ok := nodes[b.ParentBranchID]; ok && b.ParentBranchID != b.ID {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}
