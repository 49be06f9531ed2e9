package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/provider"
	"github.com/gentlabs/gent/internal/store"
)

// Manager owns the actor per (session, branch) and the session lifecycle
// operations the RPC surface exposes.
type Manager struct {
	deps Deps

	mu      sync.Mutex
	actors  map[string]*Actor
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewManager creates a manager; Start must be called before messages flow.
func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{deps: deps, actors: make(map[string]*Actor)}
}

// Start anchors actor lifetimes to ctx.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCtx != nil {
		return
	}
	m.baseCtx, m.cancel = context.WithCancel(ctx)
}

// Close stops every actor.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
}

// CreateSessionRequest creates a session and its main branch; FirstMessage,
// when set, is sent immediately and seeds the generated title.
type CreateSessionRequest struct {
	Name         string
	FirstMessage string
	Cwd          string
	Bypass       bool
}

// CreateSessionResult reports the new ids.
type CreateSessionResult struct {
	SessionID string
	BranchID  string
	Name      string
	Bypass    bool
}

// CreateSession persists a new session with one main branch and publishes
// SessionStarted.
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResult, error) {
	now := time.Now().UTC()
	session := &store.Session{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Cwd:       req.Cwd,
		Bypass:    req.Bypass,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.deps.Storage.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	branch := &store.Branch{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Name:      "main",
		CreatedAt: now,
	}
	if err := m.deps.Storage.CreateBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}
	m.publish(ctx, event.New(event.TypeSessionStarted, session.ID, branch.ID, nil))
	m.publish(ctx, event.New(event.TypeBranchCreated, session.ID, branch.ID, event.BranchPayload{
		BranchID: branch.ID, Name: branch.Name,
	}))

	if req.FirstMessage != "" {
		if err := m.SendMessage(session.ID, branch.ID, SendRequest{Content: req.FirstMessage}); err != nil {
			return nil, err
		}
		if req.Name == "" {
			go m.generateTitle(session.ID, req.FirstMessage)
		}
	}
	return &CreateSessionResult{
		SessionID: session.ID,
		BranchID:  branch.ID,
		Name:      session.Name,
		Bypass:    session.Bypass,
	}, nil
}

// SendMessage routes a user message to the branch actor, creating it on
// first use. An empty branch id targets the session's latest branch.
func (m *Manager) SendMessage(sessionID, branchID string, req SendRequest) error {
	actor, err := m.actor(sessionID, branchID)
	if err != nil {
		return err
	}
	return actor.SendMessage(req)
}

// Steer delivers a steering command to the branch actor.
func (m *Manager) Steer(sessionID, branchID string, cmd Steer) error {
	actor, err := m.actor(sessionID, branchID)
	if err != nil {
		return err
	}
	return actor.Steer(cmd)
}

// SessionState is the snapshot returned to UI clients on connect.
type SessionState struct {
	Session  *store.Session  `json:"session"`
	Branches []*store.Branch `json:"branches"`
	State    State           `json:"state"`
}

// GetSessionState assembles a state snapshot for a session.
func (m *Manager) GetSessionState(ctx context.Context, sessionID, branchID string) (*SessionState, error) {
	session, err := m.deps.Storage.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	branches, err := m.deps.Storage.ListBranches(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st := StateIdle
	if actor, err := m.actor(sessionID, branchID); err == nil {
		st = actor.State()
	}
	return &SessionState{Session: session, Branches: branches, State: st}, nil
}

// UpdateBypass flips the session permission default.
func (m *Manager) UpdateBypass(ctx context.Context, sessionID string, bypass bool) error {
	session, err := m.deps.Storage.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Bypass = bypass
	session.UpdatedAt = time.Now().UTC()
	return m.deps.Storage.UpdateSession(ctx, session)
}

// CreateBranch adds a fresh empty branch to a session.
func (m *Manager) CreateBranch(ctx context.Context, sessionID, name string) (*store.Branch, error) {
	if _, err := m.deps.Storage.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	branch := &store.Branch{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.deps.Storage.CreateBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}
	m.publish(ctx, event.New(event.TypeBranchCreated, sessionID, branch.ID, event.BranchPayload{
		BranchID: branch.ID, Name: name,
	}))
	return branch, nil
}

// ForkBranch copies history up to fromMessageID into a new branch and
// publishes BranchCreated. Copied messages get fresh ids but keep their
// content and timestamps, so ordering survives the fork.
func (m *Manager) ForkBranch(ctx context.Context, sessionID, branchID, fromMessageID, name string) (*store.Branch, error) {
	parent, err := m.deps.Storage.GetBranch(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("fork: load branch: %w", err)
	}
	if parent.SessionID != sessionID {
		return nil, fmt.Errorf("fork: branch %s does not belong to session %s", branchID, sessionID)
	}
	msgs, err := m.deps.Storage.ListMessages(ctx, branchID)
	if err != nil {
		return nil, err
	}

	branch := &store.Branch{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		ParentBranchID:  branchID,
		ParentMessageID: fromMessageID,
		Name:            name,
		Model:           parent.Model,
		CreatedAt:       time.Now().UTC(),
	}
	if err := m.deps.Storage.CreateBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("fork: create branch: %w", err)
	}

	for _, msg := range msgs {
		cp := *msg
		cp.ID = uuid.NewString()
		cp.BranchID = branch.ID
		if err := m.deps.Storage.CreateMessage(ctx, &cp); err != nil {
			return nil, fmt.Errorf("fork: copy message: %w", err)
		}
		if msg.ID == fromMessageID {
			break
		}
	}

	m.publish(ctx, event.New(event.TypeBranchCreated, sessionID, branch.ID, event.BranchPayload{
		BranchID:       branch.ID,
		ParentBranchID: branchID,
		Name:           name,
	}))
	return branch, nil
}

// SwitchBranch records the UI's active branch change as an event; history
// stays untouched.
func (m *Manager) SwitchBranch(ctx context.Context, sessionID, branchID string) error {
	if _, err := m.deps.Storage.GetBranch(ctx, branchID); err != nil {
		return err
	}
	m.publish(ctx, event.New(event.TypeBranchSwitched, sessionID, branchID, event.BranchPayload{
		BranchID: branchID,
	}))
	return nil
}

// CompactBranch forces a compaction checkpoint outside the between-turn
// trigger.
func (m *Manager) CompactBranch(ctx context.Context, sessionID, branchID string) error {
	_, err := m.deps.Checkpoints.CreateCompactionCheckpoint(ctx, sessionID, branchID)
	return err
}

func (m *Manager) actor(sessionID, branchID string) (*Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCtx == nil {
		return nil, fmt.Errorf("manager not started")
	}
	if branchID == "" {
		branch, err := m.deps.Storage.GetLatestBranch(m.baseCtx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("resolve branch: %w", err)
		}
		branchID = branch.ID
	}
	key := sessionID + "/" + branchID
	if a, ok := m.actors[key]; ok {
		return a, nil
	}
	a := NewActor(sessionID, branchID, m.deps)
	a.Start(m.baseCtx)
	m.actors[key] = a
	return a, nil
}

// generateTitle names the session from its first message using the fallback
// provider's non-streaming call. Failures are logged and the session keeps
// its empty name.
func (m *Manager) generateTitle(sessionID, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prov, model, err := m.deps.Providers.ForModel(m.deps.DefaultModel)
	if err != nil {
		return
	}
	title, err := prov.Generate(ctx, provider.Request{
		Model:        model,
		SystemPrompt: "Write a session title of at most six words for the user message. Reply with the title only.",
		Messages: []*store.Message{{
			Role:  store.RoleUser,
			Parts: []store.Part{store.TextPart(firstMessage)},
		}},
		MaxTokens: 32,
	})
	if err != nil {
		m.deps.Logger.Warn("title generation failed", "session", sessionID, "error", err)
		return
	}
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))
	if title == "" {
		return
	}

	session, err := m.deps.Storage.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	session.Name = title
	session.UpdatedAt = time.Now().UTC()
	if err := m.deps.Storage.UpdateSession(ctx, session); err != nil {
		m.deps.Logger.Warn("title update failed", "session", sessionID, "error", err)
		return
	}
	m.publish(ctx, event.New(event.TypeSessionNameUpdated, sessionID, "", event.SessionNameUpdatedPayload{
		Name: title,
	}))
}

func (m *Manager) publish(ctx context.Context, ev event.Event) {
	if _, err := m.deps.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		m.deps.Logger.Error("event publish failed", "type", ev.Type, "error", err)
	}
}
