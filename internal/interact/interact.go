// Package interact mediates between an executing agent turn and a human on
// the other side of the gateway. Each request emits an event, parks the
// caller on a pending table, and resumes when the UI posts a response. The
// tables are the only coupling: the asking side never knows which transport
// the answer came from.
package interact

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/gentlabs/gent/internal/event"
)

// PermissionDecision is the UI's answer to a permission request. Pattern is
// optional; when set with Persist it scopes the persisted allow rule.
type PermissionDecision struct {
	Allow   bool
	Persist bool
	Pattern string
}

// PlanDecision is the UI's answer to a presented plan.
type PlanDecision struct {
	Confirmed bool
	Reason    string
}

// Answers holds one answer list per asked question. Multi-select questions
// yield multiple entries.
type Answers [][]string

// pending is a one-shot response slot keyed by request id. Resolve delivers
// at most once; later calls find the slot gone and report false.
type pending[T any] struct {
	mu   sync.Mutex
	slot map[string]chan T
}

func newPending[T any]() *pending[T] {
	return &pending[T]{slot: make(map[string]chan T)}
}

func (p *pending[T]) register(id string) chan T {
	ch := make(chan T, 1)
	p.mu.Lock()
	p.slot[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pending[T]) resolve(id string, v T) bool {
	p.mu.Lock()
	ch, ok := p.slot[id]
	if ok {
		delete(p.slot, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- v
	return true
}

func (p *pending[T]) drop(id string) {
	p.mu.Lock()
	delete(p.slot, id)
	p.mu.Unlock()
}

// Handlers owns the three pending tables and the event plumbing around them.
type Handlers struct {
	events *event.Store

	permissions *pending[PermissionDecision]
	plans       *pending[PlanDecision]
	questions   *pending[Answers]
}

// NewHandlers creates interaction handlers publishing through events.
func NewHandlers(events *event.Store) *Handlers {
	return &Handlers{
		events:      events,
		permissions: newPending[PermissionDecision](),
		plans:       newPending[PlanDecision](),
		questions:   newPending[Answers](),
	}
}

// RequestPermission emits PermissionRequested and blocks until the UI
// responds or ctx is cancelled. Cancellation counts as denial; the pending
// entry is removed so a late response becomes a no-op.
func (h *Handlers) RequestPermission(ctx context.Context, sessionID, branchID, toolCallID, toolName string, input json.RawMessage) (PermissionDecision, error) {
	requestID := uuid.NewString()
	ch := h.permissions.register(requestID)

	_, err := h.events.Publish(ctx, event.New(event.TypePermissionRequested, sessionID, branchID, event.PermissionRequestedPayload{
		RequestID:  requestID,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Input:      input,
	}))
	if err != nil {
		h.permissions.drop(requestID)
		return PermissionDecision{}, err
	}

	select {
	case d := <-ch:
		_, err := h.events.Publish(ctx, event.New(event.TypePermissionResolved, sessionID, branchID, event.PermissionResolvedPayload{
			RequestID: requestID,
			Allowed:   d.Allow,
			Persisted: d.Persist,
		}))
		if err != nil {
			return PermissionDecision{}, err
		}
		return d, nil
	case <-ctx.Done():
		h.permissions.drop(requestID)
		return PermissionDecision{}, fmt.Errorf("permission request cancelled: %w", ctx.Err())
	}
}

// RespondPermission resumes a pending permission request. Unknown or already
// resolved ids report false and have no effect.
func (h *Handlers) RespondPermission(requestID string, d PermissionDecision) bool {
	return h.permissions.resolve(requestID, d)
}

// PresentPlan emits PlanPresented and blocks for confirmation. The resolved
// event is PlanConfirmed or PlanRejected depending on the decision.
func (h *Handlers) PresentPlan(ctx context.Context, sessionID, branchID, planPath string) (PlanDecision, error) {
	requestID := uuid.NewString()
	ch := h.plans.register(requestID)

	_, err := h.events.Publish(ctx, event.New(event.TypePlanPresented, sessionID, branchID, event.PlanPresentedPayload{
		RequestID: requestID,
		PlanPath:  planPath,
	}))
	if err != nil {
		h.plans.drop(requestID)
		return PlanDecision{}, err
	}

	select {
	case d := <-ch:
		t := event.TypePlanConfirmed
		if !d.Confirmed {
			t = event.TypePlanRejected
		}
		_, err := h.events.Publish(ctx, event.New(t, sessionID, branchID, event.PlanResolvedPayload{
			RequestID: requestID,
			Reason:    d.Reason,
		}))
		if err != nil {
			return PlanDecision{}, err
		}
		return d, nil
	case <-ctx.Done():
		h.plans.drop(requestID)
		return PlanDecision{}, fmt.Errorf("plan confirmation cancelled: %w", ctx.Err())
	}
}

// RespondPlan resumes a pending plan request.
func (h *Handlers) RespondPlan(requestID string, d PlanDecision) bool {
	return h.plans.resolve(requestID, d)
}

// AskQuestions emits QuestionsAsked and blocks for answers.
func (h *Handlers) AskQuestions(ctx context.Context, sessionID, branchID string, questions []event.Question) (Answers, error) {
	requestID := uuid.NewString()
	ch := h.questions.register(requestID)

	_, err := h.events.Publish(ctx, event.New(event.TypeQuestionsAsked, sessionID, branchID, event.QuestionsAskedPayload{
		RequestID: requestID,
		Questions: questions,
	}))
	if err != nil {
		h.questions.drop(requestID)
		return nil, err
	}

	select {
	case a := <-ch:
		_, err := h.events.Publish(ctx, event.New(event.TypeQuestionsAnswered, sessionID, branchID, event.QuestionsAnsweredPayload{
			RequestID: requestID,
			Answers:   a,
		}))
		if err != nil {
			return nil, err
		}
		return a, nil
	case <-ctx.Done():
		h.questions.drop(requestID)
		return nil, fmt.Errorf("questions cancelled: %w", ctx.Err())
	}
}

// RespondQuestions resumes a pending questions request.
func (h *Handlers) RespondQuestions(requestID string, a Answers) bool {
	return h.questions.resolve(requestID, a)
}
