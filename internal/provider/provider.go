// Package provider abstracts streaming language-model backends. The core
// consumes this capability; vendor SDK details stay behind it.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gentlabs/gent/internal/store"
)

// ChunkKind discriminates stream chunks.
type ChunkKind string

const (
	ChunkText      ChunkKind = "text"
	ChunkReasoning ChunkKind = "reasoning"
	ChunkToolCall  ChunkKind = "tool_call"
	ChunkFinish    ChunkKind = "finish"
)

// Chunk is one element of a streaming completion. Text is set for text and
// reasoning chunks; the tool fields for tool_call; FinishReason and Usage for
// finish.
type Chunk struct {
	Kind ChunkKind

	Text string

	ToolCallID string
	ToolName   string
	Input      json.RawMessage

	FinishReason string
	Usage        *Usage
}

// Usage tracks token consumption for one provider call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// FinishReasonToolCalls signals the model wants tool results before
// continuing; the loop chains another turn.
const FinishReasonToolCalls = "tool_calls"

// ToolSchema describes one tool to the model. Parameters is JSON Schema.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Request is the input for Stream and Generate.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []*store.Message
	Tools        []ToolSchema
	MaxTokens    int
	Temperature  float64
}

// Stream is a single-shot chunk stream. Events() closes when the stream ends;
// Err() is non-nil if it ended on failure. Close cancels the underlying call.
type Stream interface {
	Events() <-chan Chunk
	Err() error
	Close()
}

// Provider is the streaming completion capability consumed by the agent loop.
type Provider interface {
	// Stream starts a streaming completion. Chunks arrive in model order:
	// any mix of text/reasoning/tool_call, then exactly one finish.
	Stream(ctx context.Context, req Request) (Stream, error)

	// Generate is the non-streaming variant used by the summariser and the
	// session title generator.
	Generate(ctx context.Context, req Request) (string, error)

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// Transient classifies provider errors the actor should retry with backoff:
// rate limits, overload, 5xx. Everything else is fatal for the turn.
type Transient struct {
	Err error
}

func (t *Transient) Error() string { return t.Err.Error() }
func (t *Transient) Unwrap() error { return t.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *Transient
	return errors.As(err, &t)
}

// Registry resolves provider names to implementations. Read-mostly,
// process-wide.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

// NewRegistry creates a registry; the first registered provider becomes the
// fallback for empty lookups.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its Name().
func (r *Registry) Register(p Provider) {
	if r.fallback == "" {
		r.fallback = p.Name()
	}
	r.providers[p.Name()] = p
}

// Get resolves a provider by name; empty name resolves the fallback.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// ForModel picks a provider from a model id of the form "provider/model" or a
// bare model name (resolved against the fallback provider).
func (r *Registry) ForModel(model string) (Provider, string, error) {
	if name, rest, ok := strings.Cut(model, "/"); ok {
		if p, err := r.Get(name); err == nil {
			return p, rest, nil
		}
	}
	p, err := r.Get("")
	if err != nil {
		return nil, "", err
	}
	return p, model, nil
}

// chanStream adapts a producer goroutine to the Stream interface. Provider
// implementations push chunks into ch and record a terminal error before
// closing.
type chanStream struct {
	ch     chan Chunk
	cancel context.CancelFunc

	err error // written by producer before close(ch)
}

func newChanStream(cancel context.CancelFunc) *chanStream {
	return &chanStream{ch: make(chan Chunk, 16), cancel: cancel}
}

func (s *chanStream) Events() <-chan Chunk { return s.ch }
func (s *chanStream) Err() error           { return s.err }
func (s *chanStream) Close()               { s.cancel() }

// send delivers c unless ctx is cancelled first. A false return means the
// consumer closed the stream; the producer must stop instead of blocking on a
// full buffer nobody drains.
func (s *chanStream) send(ctx context.Context, c Chunk) bool {
	select {
	case s.ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
