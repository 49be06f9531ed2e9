package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name     string
	readOnly bool
	serial   bool
	execute  func(ctx context.Context, input json.RawMessage) *Result
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool" }
func (f *fakeTool) ReadOnly() bool      { return f.readOnly }
func (f *fakeTool) SerialOnly() bool    { return f.serial }

func (f *fakeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"value": map[string]any{"type": "string"},
		},
		"required":             []string{"value"},
		"additionalProperties": false,
	}
}

func (f *fakeTool) Execute(ctx context.Context, input json.RawMessage) *Result {
	if f.execute != nil {
		return f.execute(ctx, input)
	}
	return Text("ok")
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "echo"}))

	require.NoError(t, r.Validate("echo", json.RawMessage(`{"value":"hi"}`)))
	require.Error(t, r.Validate("echo", json.RawMessage(`{}`)), "missing required field")
	require.Error(t, r.Validate("echo", json.RawMessage(`{"value":42}`)), "wrong type")
	require.Error(t, r.Validate("echo", json.RawMessage(`{"value":"hi","extra":1}`)), "additional property")
	require.Error(t, r.Validate("nope", nil))
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "echo"}))
	require.Error(t, r.Register(&fakeTool{name: "echo"}))
}

func TestRegistrySchemas_Allowlist(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "a"}))
	require.NoError(t, r.Register(&fakeTool{name: "b"}))
	require.NoError(t, r.Register(&fakeTool{name: "c"}))

	all := r.Schemas(nil)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].Name)

	restricted := r.Schemas([]string{"c", "a"})
	require.Len(t, restricted, 2)
	// Registration order is preserved regardless of allowlist order.
	require.Equal(t, "a", restricted[0].Name)
	require.Equal(t, "c", restricted[1].Name)
}

func TestMarkers(t *testing.T) {
	require.True(t, IsReadOnly(&fakeTool{readOnly: true}))
	require.False(t, IsReadOnly(&fakeTool{}))
	require.True(t, IsSerial(&fakeTool{serial: true}))
	require.False(t, IsSerial(&fakeTool{}))
}
