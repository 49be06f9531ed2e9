package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/store"
)

func publish(t *testing.T, s *event.Store, ev event.Event) {
	t.Helper()
	_, err := s.Publish(context.Background(), ev)
	require.NoError(t, err)
}

func TestWideEvents_FoldsTurn(t *testing.T) {
	storage := store.NewMemory()
	events := event.NewStore(storage)
	w := NewWideEvents(nil, nil)
	w.Attach(events)

	publish(t, events, event.New(event.TypeStreamStarted, "s1", "b1", event.StreamStartedPayload{Model: "anthropic/claude-sonnet-4-20250514", Agent: "cowork"}))
	publish(t, events, event.New(event.TypeStreamChunk, "s1", "b1", event.StreamChunkPayload{Text: "hi"}))
	publish(t, events, event.New(event.TypeStreamChunk, "s1", "b1", event.StreamChunkPayload{Text: " there"}))
	publish(t, events, event.New(event.TypeToolCallStarted, "s1", "b1", event.ToolCallStartedPayload{ToolCallID: "t1", ToolName: "bash"}))
	publish(t, events, event.New(event.TypeToolCallCompleted, "s1", "b1", event.ToolCallCompletedPayload{ToolCallID: "t1", ToolName: "bash", IsError: true}))
	publish(t, events, event.New(event.TypeStreamEnded, "s1", "b1", event.StreamEndedPayload{
		FinishReason: "stop",
		Usage:        &event.UsagePayload{InputTokens: 100, OutputTokens: 40},
	}))
	publish(t, events, event.New(event.TypeTurnCompleted, "s1", "b1", event.TurnCompletedPayload{DurationMs: 1234}))

	recs := w.Recent()
	require.Len(t, recs, 1)
	rec := recs[0]
	require.Equal(t, "s1", rec.SessionID)
	require.Equal(t, "b1", rec.BranchID)
	require.Equal(t, "anthropic/claude-sonnet-4-20250514", rec.Model)
	require.Equal(t, "cowork", rec.Agent)
	require.Equal(t, 1, rec.Streams)
	require.Equal(t, 2, rec.Chunks)
	require.Equal(t, 1, rec.ToolCalls)
	require.Equal(t, 1, rec.ToolErrors)
	require.Equal(t, 100, rec.InputTokens)
	require.Equal(t, 40, rec.OutputTokens)
	require.Equal(t, int64(1234), rec.DurationMs)
	require.Empty(t, rec.Error)
	require.False(t, rec.Interrupted)
}

func TestWideEvents_ErrorClosesRecord(t *testing.T) {
	storage := store.NewMemory()
	events := event.NewStore(storage)
	w := NewWideEvents(nil, nil)
	w.Attach(events)

	publish(t, events, event.New(event.TypeStreamStarted, "s1", "b1", event.StreamStartedPayload{Model: "m"}))
	publish(t, events, event.New(event.TypeErrorOccurred, "s1", "b1", event.ErrorOccurredPayload{Kind: "provider", Message: "overloaded"}))

	recs := w.Recent()
	require.Len(t, recs, 1)
	require.Equal(t, "overloaded", recs[0].Error)
}

func TestWideEvents_InterruptedTurnFinalizes(t *testing.T) {
	storage := store.NewMemory()
	events := event.NewStore(storage)
	w := NewWideEvents(nil, nil)
	w.Attach(events)

	publish(t, events, event.New(event.TypeStreamStarted, "s1", "b1", event.StreamStartedPayload{Model: "m1"}))
	publish(t, events, event.New(event.TypeStreamChunk, "s1", "b1", event.StreamChunkPayload{Text: "par"}))
	publish(t, events, event.New(event.TypeStreamEnded, "s1", "b1", event.StreamEndedPayload{Interrupted: true}))

	recs := w.Recent()
	require.Len(t, recs, 1)
	require.True(t, recs[0].Interrupted)
	require.Equal(t, 1, recs[0].Chunks)

	// The next turn on the branch gets a fresh record.
	publish(t, events, event.New(event.TypeStreamStarted, "s1", "b1", event.StreamStartedPayload{Model: "m2"}))
	publish(t, events, event.New(event.TypeStreamEnded, "s1", "b1", event.StreamEndedPayload{FinishReason: "stop"}))
	publish(t, events, event.New(event.TypeTurnCompleted, "s1", "b1", event.TurnCompletedPayload{DurationMs: 7}))

	recs = w.Recent()
	require.Len(t, recs, 2)
	require.Equal(t, "m2", recs[1].Model)
	require.Equal(t, 0, recs[1].Chunks)
	require.False(t, recs[1].Interrupted)
}

func TestWideEvents_TracksBranchesIndependently(t *testing.T) {
	storage := store.NewMemory()
	events := event.NewStore(storage)
	w := NewWideEvents(nil, nil)
	w.Attach(events)

	publish(t, events, event.New(event.TypeStreamStarted, "s1", "b1", event.StreamStartedPayload{Model: "m1"}))
	publish(t, events, event.New(event.TypeStreamStarted, "s1", "b2", event.StreamStartedPayload{Model: "m2"}))
	publish(t, events, event.New(event.TypeTurnCompleted, "s1", "b2", event.TurnCompletedPayload{DurationMs: 5}))

	recs := w.Recent()
	require.Len(t, recs, 1)
	require.Equal(t, "b2", recs[0].BranchID)
	require.Equal(t, "m2", recs[0].Model)

	publish(t, events, event.New(event.TypeTurnCompleted, "s1", "b1", event.TurnCompletedPayload{DurationMs: 9}))
	recs = w.Recent()
	require.Len(t, recs, 2)
	require.Equal(t, "b1", recs[1].BranchID)
	require.Equal(t, "m1", recs[1].Model)
}

func TestNewTracer_NoEndpointIsNoop(t *testing.T) {
	tr, shutdown, err := NewTracer(context.Background(), TraceConfig{})
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.NoError(t, shutdown(context.Background()))

	_, span := tr.Start(context.Background(), "test")
	span.End()
}
