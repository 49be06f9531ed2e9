// Package checkpoint decides when a branch's history must be compacted and
// assembles the context window the agent loop sends to the provider.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/provider"
	"github.com/gentlabs/gent/internal/store"
)

const (
	// DefaultThreshold is the estimated token count at which a branch is
	// compacted between turns.
	DefaultThreshold = 100_000

	// tail sizing for compaction: keep max(ceil(0.2*N), minTail) messages.
	tailFraction = 0.2
	minTail      = 10

	summaryMaxTokens = 2000
	summaryTimeout   = 120 * time.Second
)

// ErrCompactionInProgress is returned when a compaction for the same branch is
// already running. Callers skip and retry on the next turn boundary.
var ErrCompactionInProgress = errors.New("compaction already in progress")

const summaryPrompt = "Summarise the conversation below for a coding assistant that is about to continue it. " +
	"Preserve decisions made, open questions, file paths touched, and the current state of the work. Be concise."

// Options configures a Service.
type Options struct {
	// SummaryModel is the model id used by the summariser, in
	// "provider/model" form. Empty uses the registry fallback.
	SummaryModel string

	// Threshold overrides DefaultThreshold when > 0.
	Threshold int

	Logger *slog.Logger
}

// Service owns checkpoint creation and context assembly for all branches.
type Service struct {
	storage   store.Storage
	events    *event.Store
	providers *provider.Registry

	summaryModel string
	threshold    int
	logger       *slog.Logger

	// Per-branch compaction guard. TryLock is non-blocking: if a compaction
	// for the branch is already running the caller skips.
	compactMu sync.Map // branchID → *sync.Mutex
}

// NewService creates a checkpoint service.
func NewService(storage store.Storage, events *event.Store, providers *provider.Registry, opts Options) *Service {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		storage:      storage,
		events:       events,
		providers:    providers,
		summaryModel: opts.SummaryModel,
		threshold:    threshold,
		logger:       logger,
	}
}

// EstimateTokens approximates the token cost of messages as ceil(chars/4)
// summed over text, tool-call input, and tool-result output parts. Reasoning
// parts are model-private and excluded.
func EstimateTokens(messages []*store.Message) int {
	total := 0
	for _, m := range messages {
		for _, p := range m.Parts {
			total += partTokens(p)
		}
	}
	return total
}

func partTokens(p store.Part) int {
	var chars int
	switch p.Type {
	case store.PartText:
		chars = len(p.Text)
	case store.PartToolCall:
		chars = len(p.Input)
	case store.PartToolResult:
		if p.Output != nil {
			chars = len(p.Output.Value)
		}
	default:
		return 0
	}
	return (chars + 3) / 4
}

// ShouldCompact reports whether the branch's loadable context has grown past
// the threshold. Consulted by the loop between turns, never mid-stream.
func (s *Service) ShouldCompact(ctx context.Context, branchID string) (bool, error) {
	msgs, err := s.LoadContext(ctx, branchID)
	if err != nil {
		return false, err
	}
	return EstimateTokens(msgs) >= s.threshold, nil
}

// tailSize returns how many trailing messages survive a compaction of n.
func tailSize(n int) int {
	keep := int(math.Ceil(tailFraction * float64(n)))
	if keep < minTail {
		keep = minTail
	}
	return keep
}

// CreateCompactionCheckpoint summarises the head of the branch and persists a
// checkpoint that keeps only the tail. At most one compaction per branch runs
// at a time; a second caller gets ErrCompactionInProgress.
func (s *Service) CreateCompactionCheckpoint(ctx context.Context, sessionID, branchID string) (*store.Checkpoint, error) {
	muI, _ := s.compactMu.LoadOrStore(branchID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, ErrCompactionInProgress
	}
	defer mu.Unlock()

	msgs, err := s.storage.ListMessages(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("compaction: list messages: %w", err)
	}

	s.publish(ctx, event.New(event.TypeCompactionStarted, sessionID, branchID, event.CompactionPayload{
		MessageCount: len(msgs),
		TokenCount:   EstimateTokens(msgs),
	}))

	cp := &store.Checkpoint{
		ID:           uuid.NewString(),
		Kind:         store.CheckpointCompaction,
		BranchID:     branchID,
		MessageCount: len(msgs),
		TokenCount:   EstimateTokens(msgs),
		CreatedAt:    time.Now().UTC(),
	}

	keep := tailSize(len(msgs))
	if keep >= len(msgs) {
		// Nothing to summarise; the checkpoint records the branch state but
		// keeps the whole history.
		if len(msgs) > 0 {
			cp.FirstKeptMessageID = msgs[0].ID
		}
	} else {
		head := msgs[:len(msgs)-keep]
		tail := msgs[len(msgs)-keep:]
		summary, err := s.summarize(ctx, head)
		if err != nil {
			return nil, fmt.Errorf("compaction: summarise: %w", err)
		}
		cp.Summary = summary
		cp.FirstKeptMessageID = tail[0].ID
	}

	if err := s.storage.CreateCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("compaction: persist checkpoint: %w", err)
	}

	s.publish(ctx, event.New(event.TypeCompactionCompleted, sessionID, branchID, event.CompactionPayload{
		CheckpointID: cp.ID,
		MessageCount: cp.MessageCount,
		TokenCount:   cp.TokenCount,
	}))
	s.logger.Info("branch compacted", "branch", branchID, "messages", cp.MessageCount, "tokens", cp.TokenCount)
	return cp, nil
}

// CreatePlanCheckpoint persists a plan checkpoint: everything before it is
// superseded, the only carry-over is the file at planPath.
func (s *Service) CreatePlanCheckpoint(ctx context.Context, branchID, planPath string) (*store.Checkpoint, error) {
	msgs, err := s.storage.ListMessages(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("plan checkpoint: list messages: %w", err)
	}
	cp := &store.Checkpoint{
		ID:           uuid.NewString(),
		Kind:         store.CheckpointPlan,
		BranchID:     branchID,
		PlanPath:     planPath,
		MessageCount: len(msgs),
		TokenCount:   EstimateTokens(msgs),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.storage.CreateCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("plan checkpoint: persist: %w", err)
	}
	return cp, nil
}

// LoadContext assembles the messages the loop sends to the provider, applying
// the latest checkpoint for the branch:
//
//   - no checkpoint: the full message history
//   - compaction: a synthetic system message carrying the summary, then every
//     message from FirstKeptMessageID on
//   - plan: a synthetic system message carrying the plan file, then every
//     message created after the checkpoint
func (s *Service) LoadContext(ctx context.Context, branchID string) ([]*store.Message, error) {
	cp, err := s.storage.GetLatestCheckpoint(ctx, branchID)
	if errors.Is(err, store.ErrNotFound) {
		return s.storage.ListMessages(ctx, branchID)
	}
	if err != nil {
		return nil, fmt.Errorf("load context: latest checkpoint: %w", err)
	}

	switch cp.Kind {
	case store.CheckpointCompaction:
		msgs, err := s.storage.ListMessages(ctx, branchID)
		if err != nil {
			return nil, err
		}
		tail := msgs
		if cp.FirstKeptMessageID != "" {
			for i, m := range msgs {
				if m.ID == cp.FirstKeptMessageID {
					tail = msgs[i:]
					break
				}
			}
		}
		if cp.Summary == "" {
			return tail, nil
		}
		sys := syntheticSystemMessage(branchID, cp.CreatedAt,
			"Summary of the conversation so far:\n\n"+cp.Summary)
		return append([]*store.Message{sys}, tail...), nil

	case store.CheckpointPlan:
		msgs, err := s.storage.ListMessagesSince(ctx, branchID, cp.CreatedAt)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(cp.PlanPath)
		if err != nil {
			s.logger.Warn("plan file unreadable, continuing without it", "path", cp.PlanPath, "error", err)
			return msgs, nil
		}
		sys := syntheticSystemMessage(branchID, cp.CreatedAt,
			"The agreed plan for this session:\n\n"+string(data))
		return append([]*store.Message{sys}, msgs...), nil

	default:
		return nil, fmt.Errorf("load context: unknown checkpoint kind %q", cp.Kind)
	}
}

func syntheticSystemMessage(branchID string, at time.Time, text string) *store.Message {
	return &store.Message{
		BranchID:  branchID,
		Role:      store.RoleSystem,
		Parts:     []store.Part{store.TextPart(text)},
		CreatedAt: at,
	}
}

func (s *Service) summarize(ctx context.Context, head []*store.Message) (string, error) {
	p, model, err := s.providers.ForModel(s.summaryModel)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, m := range head {
		text := transcriptLine(m)
		if text == "" {
			continue
		}
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(text)
		sb.WriteByte('\n')
	}

	sctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	return p.Generate(sctx, provider.Request{
		Model:        model,
		SystemPrompt: summaryPrompt,
		Messages: []*store.Message{{
			Role:  store.RoleUser,
			Parts: []store.Part{store.TextPart(sb.String())},
		}},
		MaxTokens:   summaryMaxTokens,
		Temperature: 0.3,
	})
}

// transcriptLine flattens a message for the summariser: text parts verbatim,
// tool calls as a marker, reasoning and raw tool output skipped.
func transcriptLine(m *store.Message) string {
	var sb strings.Builder
	for _, p := range m.Parts {
		switch p.Type {
		case store.PartText:
			sb.WriteString(p.Text)
		case store.PartToolCall:
			fmt.Fprintf(&sb, "[called %s]", p.ToolName)
		}
	}
	return strings.TrimSpace(sb.String())
}

func (s *Service) publish(ctx context.Context, ev event.Event) {
	if _, err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("checkpoint event publish failed", "type", ev.Type, "error", err)
	}
}
