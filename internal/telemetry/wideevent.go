package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gentlabs/gent/internal/event"
)

// TurnRecord is one wide event: everything that happened during a single
// agent turn on a branch, folded into a flat record.
type TurnRecord struct {
	SessionID    string    `json:"sessionId"`
	BranchID     string    `json:"branchId"`
	Model        string    `json:"model,omitempty"`
	Agent        string    `json:"agent,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	DurationMs   int64     `json:"durationMs"`
	Streams      int       `json:"streams"`
	Chunks       int       `json:"chunks"`
	ToolCalls    int       `json:"toolCalls"`
	ToolErrors   int       `json:"toolErrors"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	Compactions  int       `json:"compactions"`
	Interrupted  bool      `json:"interrupted"`
	States       []string  `json:"states,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// maxRecent bounds the in-memory ring of completed records.
const maxRecent = 128

// WideEvents folds the per-session event stream into one record per turn.
// Attach it to the event store before the first publish; observe runs
// synchronously under the publish lock and must stay cheap.
type WideEvents struct {
	logger *slog.Logger
	tracer *Tracer

	mu     sync.Mutex
	open   map[string]*TurnRecord
	recent []TurnRecord
}

// NewWideEvents creates the aggregator. tracer may be nil.
func NewWideEvents(logger *slog.Logger, tracer *Tracer) *WideEvents {
	if logger == nil {
		logger = slog.Default()
	}
	return &WideEvents{
		logger: logger,
		tracer: tracer,
		open:   make(map[string]*TurnRecord),
	}
}

// Attach registers the aggregator as a tap on the event store.
func (w *WideEvents) Attach(s *event.Store) {
	s.Tap(w.observe)
}

// Recent returns the most recently completed records, newest last.
func (w *WideEvents) Recent() []TurnRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]TurnRecord, len(w.recent))
	copy(out, w.recent)
	return out
}

func (w *WideEvents) observe(env event.Envelope) {
	ev := env.Event
	if ev.SessionID == "" {
		return
	}
	key := ev.SessionID + "/" + ev.BranchID

	w.mu.Lock()
	defer w.mu.Unlock()

	rec := w.open[key]
	if rec == nil {
		rec = &TurnRecord{SessionID: ev.SessionID, BranchID: ev.BranchID, StartedAt: env.CreatedAt}
		w.open[key] = rec
	}

	switch ev.Type {
	case event.TypeStreamStarted:
		var p event.StreamStartedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			rec.Model = p.Model
			rec.Agent = p.Agent
		}
		rec.Streams++
	case event.TypeStreamChunk:
		rec.Chunks++
	case event.TypeStreamEnded:
		var p event.StreamEndedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			if p.Usage != nil {
				rec.InputTokens += p.Usage.InputTokens
				rec.OutputTokens += p.Usage.OutputTokens
			}
			// A cancelled turn ends here with no TurnCompleted; close the
			// record so the next turn starts from a clean one.
			if p.Interrupted {
				rec.Interrupted = true
				w.finalize(key, rec, env.CreatedAt)
			}
		}
	case event.TypeToolCallStarted:
		rec.ToolCalls++
	case event.TypeToolCallCompleted:
		var p event.ToolCallCompletedPayload
		if json.Unmarshal(ev.Payload, &p) == nil && p.IsError {
			rec.ToolErrors++
		}
	case event.TypeCompactionCompleted:
		rec.Compactions++
	case event.TypeMachineInspected:
		var p event.MachineInspectedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			rec.States = append(rec.States, p.To)
		}
	case event.TypeErrorOccurred:
		var p event.ErrorOccurredPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			rec.Error = p.Message
		}
		w.finalize(key, rec, env.CreatedAt)
	case event.TypeTurnCompleted:
		var p event.TurnCompletedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			rec.DurationMs = p.DurationMs
		}
		w.finalize(key, rec, env.CreatedAt)
	}
}

// finalize closes the open record, emits it, and rotates the ring. Caller
// holds w.mu.
func (w *WideEvents) finalize(key string, rec *TurnRecord, at time.Time) {
	delete(w.open, key)
	if rec.DurationMs == 0 && at.After(rec.StartedAt) {
		rec.DurationMs = at.Sub(rec.StartedAt).Milliseconds()
	}

	w.recent = append(w.recent, *rec)
	if len(w.recent) > maxRecent {
		w.recent = w.recent[len(w.recent)-maxRecent:]
	}

	w.emit(rec)
}

func (w *WideEvents) emit(rec *TurnRecord) {
	level := slog.LevelInfo
	if rec.Error != "" {
		level = slog.LevelError
	}
	w.logger.LogAttrs(context.Background(), level, "turn",
		slog.String("session", rec.SessionID),
		slog.String("branch", rec.BranchID),
		slog.String("model", rec.Model),
		slog.String("agent", rec.Agent),
		slog.Int64("duration_ms", rec.DurationMs),
		slog.Int("streams", rec.Streams),
		slog.Int("chunks", rec.Chunks),
		slog.Int("tool_calls", rec.ToolCalls),
		slog.Int("tool_errors", rec.ToolErrors),
		slog.Int("input_tokens", rec.InputTokens),
		slog.Int("output_tokens", rec.OutputTokens),
		slog.Int("compactions", rec.Compactions),
		slog.Bool("interrupted", rec.Interrupted),
		slog.String("error", rec.Error),
	)

	if w.tracer == nil {
		return
	}
	end := rec.StartedAt.Add(time.Duration(rec.DurationMs) * time.Millisecond)
	_, span := w.tracer.Start(context.Background(), "agent.turn",
		trace.WithTimestamp(rec.StartedAt),
		trace.WithAttributes(
			attribute.String("session.id", rec.SessionID),
			attribute.String("branch.id", rec.BranchID),
			attribute.String("model", rec.Model),
			attribute.String("agent", rec.Agent),
			attribute.Int("tool_calls", rec.ToolCalls),
			attribute.Int("tool_errors", rec.ToolErrors),
			attribute.Int("input_tokens", rec.InputTokens),
			attribute.Int("output_tokens", rec.OutputTokens),
			attribute.Bool("interrupted", rec.Interrupted),
		))
	if rec.Error != "" {
		span.SetStatus(codes.Error, rec.Error)
	}
	span.End(trace.WithTimestamp(end))
}
