package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gentlabs/gent/internal/agent"
	"github.com/gentlabs/gent/internal/checkpoint"
	"github.com/gentlabs/gent/internal/config"
	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/interact"
	"github.com/gentlabs/gent/internal/permission"
	"github.com/gentlabs/gent/internal/provider"
	"github.com/gentlabs/gent/internal/store"
	"github.com/gentlabs/gent/internal/tools"
	"github.com/gentlabs/gent/pkg/protocol"
)

// fakeProvider answers every stream with a fixed "hi" turn.
type fakeProvider struct{}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	ch := make(chan provider.Chunk, 2)
	ch <- provider.Chunk{Kind: provider.ChunkText, Text: "hi"}
	ch <- provider.Chunk{Kind: provider.ChunkFinish, FinishReason: "stop", Usage: &provider.Usage{InputTokens: 3, OutputTokens: 1}}
	close(ch)
	return &fakeStream{ch: ch}, nil
}

func (f *fakeProvider) Generate(ctx context.Context, req provider.Request) (string, error) {
	return "Test Session", nil
}

type fakeStream struct{ ch chan provider.Chunk }

func (s *fakeStream) Events() <-chan provider.Chunk { return s.ch }
func (s *fakeStream) Err() error                    { return nil }
func (s *fakeStream) Close()                        {}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	storage := store.NewMemory()
	events := event.NewStore(storage)
	providers := provider.NewRegistry()
	providers.Register(&fakeProvider{})

	checkpoints := checkpoint.NewService(storage, events, providers, checkpoint.Options{SummaryModel: "fake/s"})
	interactions := interact.NewHandlers(events)
	policy, err := permission.NewPolicy(nil)
	require.NoError(t, err)

	registry := tools.NewRegistry()
	runner := tools.NewRunner(registry, policy, interactions, events, slog.Default(), 4)

	manager := agent.NewManager(agent.Deps{
		Storage:      storage,
		Events:       events,
		Providers:    providers,
		Checkpoints:  checkpoints,
		Tools:        registry,
		Runner:       runner,
		Agents:       agent.NewRegistry(),
		DefaultModel: "fake/default",
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	manager.Start(ctx)

	cfg := config.Default()
	cfg.Gateway.RateLimitRPM = 0
	if mutate != nil {
		mutate(cfg)
	}

	srv := NewServer(cfg, manager, interactions, storage, events)
	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

type frame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id"`
	OK      bool                `json:"ok"`
	Result  json.RawMessage     `json:"result"`
	Error   *protocol.ErrorInfo `json:"error"`
	Event   string              `json:"event"`
	Payload json.RawMessage     `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

var reqCounter int

// call sends a request and reads frames until its response arrives, returning
// it plus any event frames seen on the way.
func call(t *testing.T, conn *websocket.Conn, method string, params any) (frame, []frame) {
	t.Helper()
	reqCounter++
	id := fmt.Sprintf("r%d", reqCounter)

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	require.NoError(t, conn.WriteJSON(protocol.RequestFrame{
		Type: protocol.FrameRequest, ID: id, Method: method, Params: raw,
	}))

	var events []frame
	for {
		f := readFrame(t, conn)
		if f.Type == protocol.FrameResponse && f.ID == id {
			return f, events
		}
		events = append(events, f)
	}
}

func TestGateway_HealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestGateway_RejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.Token = "hunter2"
	})

	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "token=hunter2"), nil)
	require.NoError(t, err)
	conn.Close()
}

func TestGateway_UnknownMethod(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	res, _ := call(t, conn, "nope", nil)
	require.False(t, res.OK)
	require.Equal(t, protocol.ErrUnknownMethod, res.Error.Code)
}

func TestGateway_SessionFlow(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	res, _ := call(t, conn, protocol.MethodCreateSession, map[string]any{"name": "test"})
	require.True(t, res.OK)
	var created struct {
		SessionID string `json:"sessionId"`
		BranchID  string `json:"branchId"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &created))
	require.NotEmpty(t, created.SessionID)

	res, _ = call(t, conn, protocol.MethodSubscribeEvents, map[string]any{
		"sessionId": created.SessionID,
	})
	require.True(t, res.OK)

	res, early := call(t, conn, protocol.MethodSendMessage, map[string]any{
		"sessionId": created.SessionID,
		"branchId":  created.BranchID,
		"content":   "hello",
	})
	require.True(t, res.OK)

	// Drain the stream until the turn completes; the chunk must be in there.
	// Events that raced ahead of the sendMessage response count too.
	seen := map[string]bool{}
	for _, f := range early {
		if f.Type == protocol.FrameEvent {
			seen[f.Event] = true
		}
	}
	for !seen["turn.completed"] {
		f := readFrame(t, conn)
		if f.Type == protocol.FrameEvent {
			seen[f.Event] = true
		}
	}
	require.True(t, seen["stream.chunk"])
	require.True(t, seen["message.received"])

	res, _ = call(t, conn, protocol.MethodListMessages, map[string]any{
		"branchId": created.BranchID,
	})
	require.True(t, res.OK)
	var listed struct {
		Messages []*store.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &listed))
	require.Len(t, listed.Messages, 2)
	require.Equal(t, store.RoleUser, listed.Messages[0].Role)
	require.Equal(t, store.RoleAssistant, listed.Messages[1].Role)
}

func TestGateway_BranchOps(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	res, _ := call(t, conn, protocol.MethodCreateSession, map[string]any{"name": "b"})
	require.True(t, res.OK)
	var created struct {
		SessionID string `json:"sessionId"`
		BranchID  string `json:"branchId"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &created))

	res, _ = call(t, conn, protocol.MethodCreateBranch, map[string]any{
		"sessionId": created.SessionID,
		"name":      "alt",
	})
	require.True(t, res.OK)

	res, _ = call(t, conn, protocol.MethodListBranches, map[string]any{
		"sessionId": created.SessionID,
	})
	require.True(t, res.OK)
	var listed struct {
		Branches []*store.Branch `json:"branches"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &listed))
	require.Len(t, listed.Branches, 2)

	res, _ = call(t, conn, protocol.MethodGetBranchTree, map[string]any{
		"sessionId": created.SessionID,
	})
	require.True(t, res.OK)
}

func TestBuildBranchTree(t *testing.T) {
	branches := []*store.Branch{
		{ID: "a"},
		{ID: "b", ParentBranchID: "a"},
		{ID: "c", ParentBranchID: "a"},
		{ID: "d", ParentBranchID: "missing"},
	}
	roots := buildBranchTree(branches)
	require.Len(t, roots, 2)
	require.Equal(t, "a", roots[0].Branch.ID)
	require.Len(t, roots[0].Children, 2)
	require.Equal(t, "d", roots[1].Branch.ID)
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(60, 2)
	require.True(t, l.Enabled())
	require.True(t, l.Allow("c1"))
	require.True(t, l.Allow("c1"))
	require.False(t, l.Allow("c1"))
	// Other clients have their own bucket.
	require.True(t, l.Allow("c2"))

	off := NewRateLimiter(0, 2)
	require.False(t, off.Enabled())
	for i := 0; i < 10; i++ {
		require.True(t, off.Allow("c1"))
	}
}
