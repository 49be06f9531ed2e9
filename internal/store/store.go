package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a session, branch, or message does not exist.
var ErrNotFound = errors.New("not found")

// EventRecord is the persisted form of an agent event. The event log is the
// authoritative audit trail; ids form a strictly increasing integer sequence
// global to the store.
type EventRecord struct {
	ID        uint64          `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	BranchID  string          `json:"branchId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// EventFilter selects events for listing and subscription. BranchID empty
// matches all branches; a set BranchID additionally matches session-scoped
// events that carry no branch.
type EventFilter struct {
	SessionID string
	BranchID  string
	AfterID   uint64
}

// Matches reports whether rec passes the filter (ignoring AfterID).
func (f EventFilter) Matches(rec *EventRecord) bool {
	if rec.SessionID != f.SessionID {
		return false
	}
	if f.BranchID != "" && rec.BranchID != "" && rec.BranchID != f.BranchID {
		return false
	}
	return true
}

// Storage is the durable persistence capability consumed by the core.
// Implementations must be safe for concurrent use; per-branch message writes
// are serialised by the owning actor, but reads may come from anywhere.
type Storage interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context, cwd string) ([]*Session, error)

	CreateBranch(ctx context.Context, b *Branch) error
	GetBranch(ctx context.Context, id string) (*Branch, error)
	UpdateBranch(ctx context.Context, b *Branch) error
	ListBranches(ctx context.Context, sessionID string) ([]*Branch, error)
	GetLatestBranch(ctx context.Context, sessionID string) (*Branch, error)

	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, branchID string) ([]*Message, error)
	ListMessagesAfter(ctx context.Context, branchID, afterMessageID string) ([]*Message, error)
	ListMessagesSince(ctx context.Context, branchID string, since time.Time) ([]*Message, error)

	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetLatestCheckpoint(ctx context.Context, branchID string) (*Checkpoint, error)

	// AppendEvent assigns the next id in the store's global sequence, stamps
	// rec.ID, and persists the record durably before returning.
	AppendEvent(ctx context.Context, rec *EventRecord) error
	ListEvents(ctx context.Context, f EventFilter) ([]*EventRecord, error)
	GetLatestEventID(ctx context.Context, f EventFilter) (uint64, error)

	Close() error
}
