package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Storage used by tests and by `gent serve` when no
// database is configured. Writes copy values in so callers can't mutate
// persisted state through retained pointers.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	branches    map[string]*Branch
	messages    map[string][]*Message // branchID → ordered messages
	checkpoints map[string][]*Checkpoint
	events      []*EventRecord
	nextEventID uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]*Session),
		branches:    make(map[string]*Branch),
		messages:    make(map[string][]*Message),
		checkpoints: make(map[string][]*Checkpoint),
	}
}

func (m *Memory) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpdateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) ListSessions(_ context.Context, cwd string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if cwd != "" && s.Cwd != cwd {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) CreateBranch(_ context.Context, b *Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.branches[b.ID] = &cp
	return nil
}

func (m *Memory) GetBranch(_ context.Context, id string) (*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.branches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) UpdateBranch(_ context.Context, b *Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[b.ID]; !ok {
		return ErrNotFound
	}
	cp := *b
	m.branches[b.ID] = &cp
	return nil
}

func (m *Memory) ListBranches(_ context.Context, sessionID string) ([]*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Branch
	for _, b := range m.branches {
		if b.SessionID == sessionID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetLatestBranch(_ context.Context, sessionID string) (*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Branch
	for _, b := range m.branches {
		if b.SessionID != sessionID {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) CreateMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	cp.Parts = append([]Part(nil), msg.Parts...)
	m.messages[msg.BranchID] = append(m.messages[msg.BranchID], &cp)
	return nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == id {
				cp := *msg
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListMessages(_ context.Context, branchID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyMessages(m.messages[branchID]), nil
}

func (m *Memory) ListMessagesAfter(_ context.Context, branchID, afterMessageID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[branchID]
	for i, msg := range msgs {
		if msg.ID == afterMessageID {
			return copyMessages(msgs[i+1:]), nil
		}
	}
	return nil, nil
}

func (m *Memory) ListMessagesSince(_ context.Context, branchID string, since time.Time) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Message
	for _, msg := range m.messages[branchID] {
		if msg.CreatedAt.After(since) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CreateCheckpoint(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cp
	m.checkpoints[cp.BranchID] = append(m.checkpoints[cp.BranchID], &c)
	return nil
}

func (m *Memory) GetLatestCheckpoint(_ context.Context, branchID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.checkpoints[branchID]
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	cp := *cps[len(cps)-1]
	return &cp, nil
}

func (m *Memory) AppendEvent(_ context.Context, rec *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	rec.ID = m.nextEventID
	cp := *rec
	m.events = append(m.events, &cp)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, f EventFilter) ([]*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*EventRecord
	for _, rec := range m.events {
		if rec.ID <= f.AfterID || !f.Matches(rec) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) GetLatestEventID(_ context.Context, f EventFilter) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest uint64
	for _, rec := range m.events {
		if f.Matches(rec) && rec.ID > latest {
			latest = rec.ID
		}
	}
	return latest, nil
}

func (m *Memory) Close() error { return nil }

func copyMessages(msgs []*Message) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		cp.Parts = append([]Part(nil), msg.Parts...)
		out = append(out, &cp)
	}
	return out
}

