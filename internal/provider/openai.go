package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gentlabs/gent/internal/store"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAI streams completions from the Chat Completions API.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures the OpenAI backend. APIKey is required.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), defaultModel: cfg.DefaultModel}, nil
}

func (o *OpenAI) Name() string { return "openai" }

// Stream starts a streaming chat completion. Tool call arguments arrive as
// JSON fragments keyed by index; they are accumulated and emitted as complete
// tool_call chunks when the model finishes with "tool_calls".
func (o *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	chatReq, err := o.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true

	streamCtx, cancel := context.WithCancel(ctx)
	sse, err := o.client.CreateChatCompletionStream(streamCtx, chatReq)
	if err != nil {
		cancel()
		return nil, classifyOpenAI(err)
	}

	out := newChanStream(cancel)
	go func() {
		defer close(out.ch)
		defer sse.Close()

		pending := make(map[int]*Chunk)
		usage := Usage{}
		finish := ""

		flushTools := func() bool {
			idxs := make([]int, 0, len(pending))
			for i := range pending {
				idxs = append(idxs, i)
			}
			sort.Ints(idxs)
			for _, i := range idxs {
				c := pending[i]
				if c.ToolCallID == "" || c.ToolName == "" {
					continue
				}
				if len(c.Input) == 0 {
					c.Input = json.RawMessage("{}")
				}
				if !out.send(streamCtx, *c) {
					return false
				}
			}
			pending = make(map[int]*Chunk)
			return true
		}

		for {
			resp, err := sse.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					if !flushTools() {
						return
					}
					u := usage
					out.send(streamCtx, Chunk{Kind: ChunkFinish, FinishReason: openaiFinishReason(finish), Usage: &u})
					return
				}
				out.err = classifyOpenAI(err)
				return
			}
			if resp.Usage != nil {
				usage.InputTokens = resp.Usage.PromptTokens
				usage.OutputTokens = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]

			if choice.Delta.Content != "" {
				if !out.send(streamCtx, Chunk{Kind: ChunkText, Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				c := pending[idx]
				if c == nil {
					c = &Chunk{Kind: ChunkToolCall}
					pending[idx] = c
				}
				if tc.ID != "" {
					c.ToolCallID = tc.ID
				}
				if tc.Function.Name != "" {
					c.ToolName = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					c.Input = append(c.Input, tc.Function.Arguments...)
				}
			}
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
				if finish == "tool_calls" {
					if !flushTools() {
						return
					}
				}
			}
		}
	}()

	return out, nil
}

// Generate performs a non-streaming call and returns the response text.
func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	chatReq, err := o.buildRequest(req)
	if err != nil {
		return "", err
	}
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	messages, err := openaiMessages(req.Messages, req.SystemPrompt)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}
	return chatReq, nil
}

// openaiMessages converts stored messages. The system prompt becomes the
// first message; each tool-result part becomes its own role=tool message, as
// the Chat Completions API requires.
func openaiMessages(messages []*store.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == store.RoleSystem {
			continue
		}

		var (
			text      strings.Builder
			images    []openai.ChatMessagePart
			toolCalls []openai.ToolCall
			results   []openai.ChatCompletionMessage
		)
		for _, part := range msg.Parts {
			switch part.Type {
			case store.PartText:
				text.WriteString(part.Text)
			case store.PartImage:
				images = append(images, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    fmt.Sprintf("data:%s;base64,%s", part.MediaType, part.Image),
						Detail: openai.ImageURLDetailAuto,
					},
				})
			case store.PartToolCall:
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   part.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      part.ToolName,
						Arguments: string(part.Input),
					},
				})
			case store.PartToolResult:
				if part.Output == nil {
					continue
				}
				results = append(results, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: part.ToolCallID,
					Content:    string(part.Output.Value),
				})
			}
		}

		role := openai.ChatMessageRoleUser
		if msg.Role == store.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		if text.Len() > 0 || len(toolCalls) > 0 || len(images) > 0 {
			m := openai.ChatCompletionMessage{Role: role, ToolCalls: toolCalls}
			if len(images) > 0 {
				parts := images
				if text.Len() > 0 {
					parts = append([]openai.ChatMessagePart{{
						Type: openai.ChatMessagePartTypeText,
						Text: text.String(),
					}}, parts...)
				}
				m.MultiContent = parts
			} else {
				m.Content = text.String()
			}
			result = append(result, m)
		}
		result = append(result, results...)
	}
	return result, nil
}

func openaiTools(tools []ToolSchema) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return result
}

func openaiFinishReason(finish string) string {
	if finish == "tool_calls" {
		return FinishReasonToolCalls
	}
	return finish
}

func classifyOpenAI(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return &Transient{Err: err}
		}
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") {
		return &Transient{Err: err}
	}
	return err
}
