package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/gentlabs/gent/internal/store"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic streams completions from the Claude Messages API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures the Anthropic backend. APIKey is required.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), defaultModel: cfg.DefaultModel}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

// Stream starts a streaming Messages call. SDK events are folded into the
// chunk union: text and thinking deltas pass through as they arrive, tool
// input JSON accumulates until its block stops, and message_stop produces the
// single finish chunk.
func (a *Anthropic) Stream(ctx context.Context, req Request) (Stream, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := newChanStream(cancel)

	go func() {
		defer close(out.ch)

		sse := a.client.Messages.NewStreaming(streamCtx, params)

		var (
			toolID    string
			toolName  string
			toolInput strings.Builder
			inTool    bool
			usage     Usage
			stop      string
		)

		for sse.Next() {
			ev := sse.Current()
			switch ev.Type {
			case "message_start":
				ms := ev.AsMessageStart()
				usage.InputTokens = int(ms.Message.Usage.InputTokens)

			case "content_block_start":
				cb := ev.AsContentBlockStart().ContentBlock
				if cb.Type == "tool_use" {
					tu := cb.AsToolUse()
					toolID, toolName = tu.ID, tu.Name
					toolInput.Reset()
					inTool = true
				}

			case "content_block_delta":
				delta := ev.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						if !out.send(streamCtx, Chunk{Kind: ChunkText, Text: delta.Text}) {
							return
						}
					}
				case "thinking_delta":
					if delta.Thinking != "" {
						if !out.send(streamCtx, Chunk{Kind: ChunkReasoning, Text: delta.Thinking}) {
							return
						}
					}
				case "input_json_delta":
					toolInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if inTool {
					input := toolInput.String()
					if input == "" {
						input = "{}"
					}
					if !out.send(streamCtx, Chunk{
						Kind:       ChunkToolCall,
						ToolCallID: toolID,
						ToolName:   toolName,
						Input:      json.RawMessage(input),
					}) {
						return
					}
					inTool = false
				}

			case "message_delta":
				md := ev.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					usage.OutputTokens = int(md.Usage.OutputTokens)
				}
				stop = string(md.Delta.StopReason)

			case "message_stop":
				u := usage
				out.send(streamCtx, Chunk{Kind: ChunkFinish, FinishReason: anthropicFinishReason(stop), Usage: &u})
				return
			}
		}
		if err := sse.Err(); err != nil {
			out.err = classifyAnthropic(err)
		}
	}()

	return out, nil
}

// Generate performs a non-streaming call and returns the concatenated text
// blocks of the response.
func (a *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return "", err
	}
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropic(err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

func (a *Anthropic) buildParams(req Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// anthropicMessages converts stored messages to API params. System messages
// are skipped (the system prompt travels separately); reasoning parts are not
// resent. Tool messages fold into user messages per the Messages API shape.
func anthropicMessages(messages []*store.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == store.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, part := range msg.Parts {
			switch part.Type {
			case store.PartText:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			case store.PartImage:
				content = append(content, anthropic.NewImageBlockBase64(part.MediaType, part.Image))
			case store.PartToolCall:
				var input map[string]any
				if err := json.Unmarshal(part.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", part.ToolName, err)
				}
				content = append(content, anthropic.NewToolUseBlock(part.ToolCallID, input, part.ToolName))
			case store.PartToolResult:
				if part.Output == nil {
					continue
				}
				isError := part.Output.Type == store.ToolOutputErrorJSON
				content = append(content, anthropic.NewToolResultBlock(part.ToolCallID, string(part.Output.Value), isError))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == store.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func anthropicTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func anthropicFinishReason(stop string) string {
	if stop == "tool_use" {
		return FinishReasonToolCalls
	}
	return stop
}

// classifyAnthropic wraps rate limit, overload, and server errors as
// Transient so the actor retries them with backoff.
func classifyAnthropic(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return &Transient{Err: err}
		}
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") {
		return &Transient{Err: err}
	}
	return err
}
