// Package agent hosts the per-branch supervisor: the actor state machine
// that drives provider turns, dispatches tool calls, and absorbs steering
// commands without corrupting persisted history.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gentlabs/gent/internal/checkpoint"
	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/provider"
	"github.com/gentlabs/gent/internal/store"
	"github.com/gentlabs/gent/internal/tools"
)

// State names an actor phase. Transitions are published as MachineInspected
// events for the telemetry aggregator.
type State string

const (
	StateIdle        State = "idle"
	StatePreparing   State = "preparing"
	StateStreaming   State = "streaming"
	StateDispatching State = "dispatching"
	StateResuming    State = "resuming"
)

// DefaultMaxTurns bounds provider turns chained by tool calls within one user
// message.
const DefaultMaxTurns = 20

const basePrompt = "You are Gent, a terminal coding assistant. You work inside the user's " +
	"repository with the tools provided. Be direct, cite file paths, and keep changes minimal."

// Deps wires an actor into the core services. All fields are required except
// MaxTurns and Logger.
type Deps struct {
	Storage     store.Storage
	Events      *event.Store
	Providers   *provider.Registry
	Checkpoints *checkpoint.Service
	Tools       *tools.Registry
	Runner      *tools.Runner
	Agents      *Registry

	DefaultModel string
	MaxTurns     int
	Logger       *slog.Logger
}

// SendRequest is one user message plus per-message overrides.
type SendRequest struct {
	Content string
	Agent   string
	Mode    Mode
	Model   string
}

// Actor is the supervisor for one (session, branch) pair. One turn runs at a
// time; steering commands land via the mailbox and are polled between chunks
// and between tool calls.
type Actor struct {
	sessionID string
	branchID  string
	deps      Deps
	backoff   backoffConfig

	work    chan SendRequest
	mailbox chan Steer

	mu         sync.Mutex
	state      State
	agentName  string
	mode       Mode
	model      string // sticky SwitchModel override
	interjects []string

	startOnce sync.Once
	stop      context.CancelFunc
	done      chan struct{}
}

// NewActor creates an idle actor. Call Start to attach its goroutine.
func NewActor(sessionID, branchID string, deps Deps) *Actor {
	if deps.MaxTurns <= 0 {
		deps.MaxTurns = DefaultMaxTurns
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Actor{
		sessionID: sessionID,
		branchID:  branchID,
		deps:      deps,
		backoff:   defaultBackoff(),
		work:      make(chan SendRequest, 8),
		mailbox:   make(chan Steer, 16),
		state:     StateIdle,
		mode:      ModeBuild,
		done:      make(chan struct{}),
	}
}

// Start launches the actor loop. Idempotent.
func (a *Actor) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		a.stop = cancel
		go a.loop(ctx)
	})
}

// Close stops the actor after the current turn finishes its commit.
func (a *Actor) Close() {
	if a.stop != nil {
		a.stop()
	}
}

// Done closes when the actor loop has exited.
func (a *Actor) Done() <-chan struct{} { return a.done }

// State reports the current phase.
func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SendMessage enqueues a user message. Fails when the work queue is full
// rather than blocking the caller.
func (a *Actor) SendMessage(req SendRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("empty message")
	}
	select {
	case a.work <- req:
		return nil
	default:
		return fmt.Errorf("actor busy: work queue full")
	}
}

// Steer delivers an out-of-band command. Best-effort immediate: the command
// is picked up at the next chunk or tool-call boundary.
func (a *Actor) Steer(cmd Steer) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	select {
	case a.mailbox <- cmd:
		return nil
	default:
		return fmt.Errorf("steering mailbox full")
	}
}

func (a *Actor) loop(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.mailbox:
			// Idle: cancel is a no-op, everything else is recorded for the
			// next turn.
			a.applySteer(ctx, cmd)
		case req := <-a.work:
			a.RunOnce(ctx, req)
		}
	}
}

// RunOnce executes one user message to completion: all chained provider
// turns, tool dispatches, and commits. Returns the final assistant text. The
// subagent runner calls this directly; the actor loop calls it per work item.
func (a *Actor) RunOnce(ctx context.Context, req SendRequest) (string, error) {
	start := time.Now()
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.applyOverrides(ctx, req)
	a.transition(ctx, StatePreparing, "")
	defer a.transition(ctx, StateIdle, "")

	session, err := a.deps.Storage.GetSession(turnCtx, a.sessionID)
	if err != nil {
		a.fail(ctx, "storage", fmt.Errorf("load session: %w", err))
		return "", err
	}

	if err := a.persistUserMessage(turnCtx, req.Content); err != nil {
		a.fail(ctx, "storage", err)
		return "", err
	}

	a.maybeCompact(turnCtx)

	var finalText string
	for turn := 0; turn < a.deps.MaxTurns; turn++ {
		if turn > 0 {
			a.transition(ctx, StateResuming, "")
		}
		if stopped := a.drainSteers(ctx); stopped {
			return finalText, nil
		}
		if err := a.flushInterjects(turnCtx); err != nil {
			a.fail(ctx, "storage", err)
			return finalText, err
		}

		def, err := a.deps.Agents.Get(a.currentAgent())
		if err != nil {
			a.fail(ctx, "agent", err)
			return finalText, err
		}
		modelID := a.resolveModel(def)
		prov, model, err := a.deps.Providers.ForModel(modelID)
		if err != nil {
			a.fail(ctx, "provider", err)
			return finalText, err
		}

		msgs, err := a.loadContext(turnCtx)
		if err != nil {
			a.fail(ctx, "storage", err)
			return finalText, err
		}

		a.publish(ctx, event.New(event.TypeStreamStarted, a.sessionID, a.branchID, event.StreamStartedPayload{
			Model: modelID,
			Agent: def.Name,
		}))
		a.transition(ctx, StateStreaming, "")

		res, err := a.runStream(turnCtx, prov, provider.Request{
			Model:        model,
			SystemPrompt: systemPrompt(def),
			Messages:     msgs,
			Tools:        a.deps.Tools.Schemas(EffectiveTools(def, a.currentMode())),
		})
		if err != nil {
			a.publish(ctx, event.New(event.TypeStreamEnded, a.sessionID, a.branchID, event.StreamEndedPayload{
				Interrupted: true,
			}))
			a.fail(ctx, "provider", err)
			a.commitAssistant(ctx, res, true)
			return finalText, err
		}

		a.publish(ctx, event.New(event.TypeStreamEnded, a.sessionID, a.branchID, event.StreamEndedPayload{
			Interrupted:  res.interrupted,
			FinishReason: res.finishReason,
			Usage:        usagePayload(res.usage),
		}))

		assistant, err := a.commitAssistant(ctx, res, res.interrupted)
		if err != nil {
			a.fail(ctx, "storage", err)
			return finalText, err
		}
		if t := res.text(); t != "" {
			finalText = t
		}
		if res.interrupted {
			return finalText, nil
		}

		if len(res.toolCalls) == 0 {
			a.publish(ctx, event.New(event.TypeTurnCompleted, a.sessionID, a.branchID, event.TurnCompletedPayload{
				DurationMs: time.Since(start).Milliseconds(),
			}))
			a.publish(ctx, event.New(event.TypeMachineTaskSucceeded, a.sessionID, a.branchID, event.MachineTaskPayload{Task: "turn"}))
			return finalText, nil
		}

		a.transition(ctx, StateDispatching, "")
		cancelled, err := a.dispatch(turnCtx, cancel, session, assistant, res.toolCalls, def)
		if err != nil {
			a.fail(ctx, "storage", err)
			return finalText, err
		}
		if cancelled {
			return finalText, nil
		}
	}

	a.deps.Logger.Warn("turn limit reached", "session", a.sessionID, "branch", a.branchID, "limit", a.deps.MaxTurns)
	a.publish(ctx, event.New(event.TypeTurnCompleted, a.sessionID, a.branchID, event.TurnCompletedPayload{
		DurationMs: time.Since(start).Milliseconds(),
	}))
	return finalText, nil
}

// applyOverrides folds per-message overrides into actor state before the
// first turn.
func (a *Actor) applyOverrides(ctx context.Context, req SendRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if req.Agent != "" && req.Agent != a.agentName {
		a.agentName = req.Agent
		defer a.publish(ctx, event.New(event.TypeAgentSwitched, a.sessionID, a.branchID, event.AgentSwitchedPayload{
			Agent: req.Agent, Mode: string(a.mode),
		}))
	}
	if req.Mode != "" {
		a.mode = req.Mode
	}
	if req.Model != "" {
		a.model = req.Model
	}
}

func (a *Actor) currentAgent() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentName
}

func (a *Actor) currentMode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// drainSteers applies commands that arrived between turns. Returns true when
// a stop command ends the run.
func (a *Actor) drainSteers(ctx context.Context) bool {
	for {
		select {
		case cmd := <-a.mailbox:
			if a.applySteer(ctx, cmd) {
				return true
			}
		default:
			return false
		}
	}
}

func (a *Actor) resolveModel(def *Definition) string {
	a.mu.Lock()
	override := a.model
	mode := a.mode
	a.mu.Unlock()
	switch {
	case override != "":
		return override
	case EffectiveModel(def, mode) != "":
		return EffectiveModel(def, mode)
	default:
		return a.deps.DefaultModel
	}
}

func (a *Actor) persistUserMessage(ctx context.Context, content string) error {
	msg := &store.Message{
		ID:        uuid.NewString(),
		SessionID: a.sessionID,
		BranchID:  a.branchID,
		Role:      store.RoleUser,
		Parts:     []store.Part{store.TextPart(content)},
		CreatedAt: time.Now().UTC(),
	}
	if err := a.deps.Storage.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	a.publish(ctx, event.New(event.TypeMessageReceived, a.sessionID, a.branchID, event.MessageReceivedPayload{
		MessageID: msg.ID,
		Role:      store.RoleUser,
	}))
	return nil
}

// flushInterjects persists buffered interjections as a user message before
// the next provider call, after any pending tool results.
func (a *Actor) flushInterjects(ctx context.Context) error {
	a.mu.Lock()
	pending := a.interjects
	a.interjects = nil
	a.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	return a.persistUserMessage(ctx, strings.Join(pending, "\n\n"))
}

// maybeCompact runs the synchronous compaction side-trip between turns.
// Compaction failures are logged and skipped, never fatal.
func (a *Actor) maybeCompact(ctx context.Context) {
	ok, err := a.deps.Checkpoints.ShouldCompact(ctx, a.branchID)
	if err != nil || !ok {
		if err != nil {
			a.deps.Logger.Warn("compaction check failed", "branch", a.branchID, "error", err)
		}
		return
	}
	if _, err := a.deps.Checkpoints.CreateCompactionCheckpoint(ctx, a.sessionID, a.branchID); err != nil &&
		!errors.Is(err, checkpoint.ErrCompactionInProgress) {
		a.deps.Logger.Warn("compaction failed, continuing uncompacted", "branch", a.branchID, "error", err)
	}
}

func (a *Actor) loadContext(ctx context.Context) ([]*store.Message, error) {
	msgs, err := a.deps.Checkpoints.LoadContext(ctx, a.branchID)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	msgs = checkpoint.PruneToolOutputs(msgs)
	return sanitizeHistory(msgs, a.deps.Logger), nil
}

// turnResult accumulates one provider stream.
type turnResult struct {
	parts        []store.Part
	toolCalls    []tools.Call
	finishReason string
	usage        *provider.Usage
	interrupted  bool
}

func (r *turnResult) empty() bool {
	return r == nil || (len(r.parts) == 0 && len(r.toolCalls) == 0)
}

func (r *turnResult) text() string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.parts {
		if p.Type == store.PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// appendText merges consecutive text deltas into one part.
func (r *turnResult) appendText(kind store.PartType, text string) {
	if n := len(r.parts); n > 0 && r.parts[n-1].Type == kind {
		r.parts[n-1].Text += text
		return
	}
	r.parts = append(r.parts, store.Part{Type: kind, Text: text})
}

// runStream opens the provider stream and consumes it, retrying transient
// failures as long as nothing has been received yet. Once chunks have
// arrived a failure is fatal for the turn.
func (a *Actor) runStream(ctx context.Context, prov provider.Provider, req provider.Request) (*turnResult, error) {
	delay := a.backoff.initialDelay
	for attempt := 1; ; attempt++ {
		res, err := a.streamOnce(ctx, prov, req)
		if err == nil || !provider.IsTransient(err) || !res.empty() || attempt >= a.backoff.maxAttempts {
			return res, err
		}
		a.deps.Logger.Warn("provider transient failure, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > a.backoff.maxDelay {
			delay = a.backoff.maxDelay
		}
	}
}

func (a *Actor) streamOnce(ctx context.Context, prov provider.Provider, req provider.Request) (*turnResult, error) {
	stream, err := prov.Stream(ctx, req)
	if err != nil {
		return &turnResult{}, err
	}
	return a.consume(ctx, stream)
}

// consume drains the stream, polling the mailbox between chunks. Stop steers
// close the stream and mark the result interrupted.
func (a *Actor) consume(ctx context.Context, stream provider.Stream) (*turnResult, error) {
	res := &turnResult{}
	for {
		select {
		case <-ctx.Done():
			stream.Close()
			res.interrupted = true
			return res, nil
		case cmd := <-a.mailbox:
			if a.applySteer(ctx, cmd) {
				stream.Close()
				res.interrupted = true
				return res, nil
			}
		case chunk, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return res, err
				}
				return res, nil
			}
			switch chunk.Kind {
			case provider.ChunkText:
				res.appendText(store.PartText, chunk.Text)
				a.publish(ctx, event.New(event.TypeStreamChunk, a.sessionID, a.branchID, event.StreamChunkPayload{
					Text: chunk.Text,
				}))
			case provider.ChunkReasoning:
				// Persisted but not streamed to clients verbatim.
				res.appendText(store.PartReasoning, chunk.Text)
			case provider.ChunkToolCall:
				res.parts = append(res.parts, store.ToolCallPart(chunk.ToolCallID, chunk.ToolName, chunk.Input))
				res.toolCalls = append(res.toolCalls, tools.Call{
					ID:    chunk.ToolCallID,
					Name:  chunk.ToolName,
					Input: chunk.Input,
				})
			case provider.ChunkFinish:
				res.finishReason = chunk.FinishReason
				res.usage = chunk.Usage
			}
		}
	}
}

// commitAssistant persists the built assistant message. On an interrupted
// stream the tool-call parts are dropped so every persisted call keeps its
// result invariant; the text built so far is kept.
func (a *Actor) commitAssistant(ctx context.Context, res *turnResult, interrupted bool) (*store.Message, error) {
	if res == nil {
		return nil, nil
	}
	parts := res.parts
	if interrupted {
		parts = nil
		for _, p := range res.parts {
			if p.Type != store.PartToolCall {
				parts = append(parts, p)
			}
		}
		res.toolCalls = nil
	}
	if len(parts) == 0 {
		return nil, nil
	}
	msg := &store.Message{
		ID:        uuid.NewString(),
		SessionID: a.sessionID,
		BranchID:  a.branchID,
		Role:      store.RoleAssistant,
		Parts:     parts,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.deps.Storage.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	a.publish(ctx, event.New(event.TypeMessageReceived, a.sessionID, a.branchID, event.MessageReceivedPayload{
		MessageID: msg.ID,
		Role:      store.RoleAssistant,
	}))
	return msg, nil
}

// dispatch runs the turn's tool calls: serial calls sequentially in
// declaration order, parallel calls concurrently, result order by declaration
// regardless. The mailbox is watched throughout; a stop steer cancels the
// batch but the results gathered so far are still persisted.
func (a *Actor) dispatch(ctx context.Context, cancelTurn context.CancelFunc, session *store.Session, assistant *store.Message, calls []tools.Call, def *Definition) (cancelled bool, err error) {
	scope := tools.Scope{
		SessionID: a.sessionID,
		BranchID:  a.branchID,
		AgentName: def.Name,
		Cwd:       session.Cwd,
		Bypass:    session.Bypass,
		Allowed:   EffectiveTools(def, a.currentMode()),
	}

	results := make([]store.Part, len(calls))
	batchDone := make(chan error, 1)
	go func() {
		g, gctx := errgroup.WithContext(ctx)
		var serial []int
		for i, call := range calls {
			if a.isSerial(call.Name) {
				serial = append(serial, i)
				continue
			}
			i, call := i, call
			g.Go(func() error {
				results[i] = a.deps.Runner.Run(gctx, call, scope)
				return nil
			})
		}
		for _, i := range serial {
			results[i] = a.deps.Runner.Run(ctx, calls[i], scope)
		}
		batchDone <- g.Wait()
	}()

	for {
		select {
		case cmd := <-a.mailbox:
			if a.applySteer(ctx, cmd) {
				cancelled = true
				cancelTurn()
			}
		case <-batchDone:
			msg := &store.Message{
				ID:        uuid.NewString(),
				SessionID: a.sessionID,
				BranchID:  a.branchID,
				Role:      store.RoleTool,
				Parts:     results,
				CreatedAt: time.Now().UTC(),
			}
			if err := a.deps.Storage.CreateMessage(context.WithoutCancel(ctx), msg); err != nil {
				return cancelled, fmt.Errorf("persist tool results: %w", err)
			}
			a.publish(ctx, event.New(event.TypeMessageReceived, a.sessionID, a.branchID, event.MessageReceivedPayload{
				MessageID: msg.ID,
				Role:      store.RoleTool,
			}))
			return cancelled, nil
		}
	}
}

func (a *Actor) isSerial(name string) bool {
	t, ok := a.deps.Tools.Get(name)
	return ok && tools.IsSerial(t)
}

// applySteer records a steering command; returns true for commands that stop
// the current stream or batch.
func (a *Actor) applySteer(ctx context.Context, cmd Steer) bool {
	if cmd.stops() {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch cmd.Kind {
	case SteerInterject:
		a.interjects = append(a.interjects, cmd.Text)
	case SteerSwitchModel:
		a.model = cmd.Model
		a.publish(ctx, event.New(event.TypeModelChanged, a.sessionID, a.branchID, event.ModelChangedPayload{
			Model: cmd.Model,
		}))
	case SteerSwitchMode:
		a.mode = cmd.Mode
		a.publish(ctx, event.New(event.TypeAgentSwitched, a.sessionID, a.branchID, event.AgentSwitchedPayload{
			Agent: a.agentName, Mode: string(cmd.Mode),
		}))
	}
	return false
}

func (a *Actor) transition(ctx context.Context, to State, note string) {
	a.mu.Lock()
	from := a.state
	a.state = to
	a.mu.Unlock()
	if from == to {
		return
	}
	a.publish(ctx, event.New(event.TypeMachineInspected, a.sessionID, a.branchID, event.MachineInspectedPayload{
		From: string(from), To: string(to), Note: note,
	}))
}

func (a *Actor) fail(ctx context.Context, kind string, err error) {
	a.deps.Logger.Error("turn failed", "session", a.sessionID, "branch", a.branchID, "kind", kind, "error", err)
	a.publish(ctx, event.New(event.TypeErrorOccurred, a.sessionID, a.branchID, event.ErrorOccurredPayload{
		Kind: kind, Message: err.Error(),
	}))
	a.publish(ctx, event.New(event.TypeMachineTaskFailed, a.sessionID, a.branchID, event.MachineTaskPayload{
		Task: "turn", Error: err.Error(),
	}))
}

func (a *Actor) publish(ctx context.Context, ev event.Event) {
	if _, err := a.deps.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		a.deps.Logger.Error("event publish failed", "type", ev.Type, "error", err)
	}
}

func systemPrompt(def *Definition) string {
	if def.SystemPrompt == "" {
		return basePrompt
	}
	return basePrompt + "\n\n" + def.SystemPrompt
}

func usagePayload(u *provider.Usage) *event.UsagePayload {
	if u == nil {
		return nil
	}
	return &event.UsagePayload{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}
