package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/interact"
)

// AskQuestionsTool poses clarifying questions to the user and blocks until
// the answers arrive.
type AskQuestionsTool struct {
	handlers *interact.Handlers
}

func NewAskQuestionsTool(handlers *interact.Handlers) *AskQuestionsTool {
	return &AskQuestionsTool{handlers: handlers}
}

func (t *AskQuestionsTool) Name() string { return "ask_questions" }

func (t *AskQuestionsTool) Description() string {
	return "Ask the user one or more clarifying questions. " +
		"Provide options for multiple choice; omit them for free-form answers."
}

func (t *AskQuestionsTool) ReadOnly() bool { return true }

func (t *AskQuestionsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"questions": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"prompt": map[string]any{
							"type":        "string",
							"description": "The question to ask",
						},
						"options": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "Choices to pick from; omit for free-form",
						},
					},
					"required":             []string{"prompt"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"questions"},
		"additionalProperties": false,
	}
}

func (t *AskQuestionsTool) Execute(ctx context.Context, input json.RawMessage) *Result {
	var args struct {
		Questions []struct {
			Prompt  string   `json:"prompt"`
			Options []string `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return Errorf("invalid arguments: %v", err)
	}

	questions := make([]event.Question, 0, len(args.Questions))
	for _, q := range args.Questions {
		questions = append(questions, event.Question{Prompt: q.Prompt, Options: q.Options})
	}

	answers, err := t.handlers.AskQuestions(ctx, SessionIDFromCtx(ctx), BranchIDFromCtx(ctx), questions)
	if err != nil {
		return Errorf("questions cancelled: %v", err)
	}
	return OK(map[string]any{
		"answers": answers,
	}).WithSummary(fmt.Sprintf("%d questions answered", len(questions)))
}
