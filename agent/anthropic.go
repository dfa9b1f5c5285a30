package agent

import (
	"context"
	"encoding/json"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAgent implements Agent against Anthropic's Messages API. It
// is the reference adapter the out-of-scope Agent interface is built
// around.
type AnthropicAgent struct {
	client       anthropicsdk.Client
	modelName    string
	systemPrompt string
	maxTokens    int64
}

// DefaultAnthropicModel is used when NewAnthropicAgent is given an
// empty modelName.
const DefaultAnthropicModel = "claude-sonnet-4-5-20250929"

// NewAnthropicAgent constructs an AnthropicAgent. apiKey is the
// Anthropic API key; systemPrompt, if non-empty, is sent as the
// request's system parameter ahead of every phase's instructions.
func NewAnthropicAgent(apiKey, modelName, systemPrompt string) *AnthropicAgent {
	if modelName == "" {
		modelName = DefaultAnthropicModel
	}
	return &AnthropicAgent{
		client:       anthropicsdk.NewClient(option.WithAPIKey(apiKey)),
		modelName:    modelName,
		systemPrompt: systemPrompt,
		maxTokens:    4096,
	}
}

// Run implements Agent: it serializes req.Context as a JSON block
// appended to req.Instructions, sends it as a single user message, and
// folds the text response into Response.Output["text"].
func (a *AnthropicAgent) Run(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	prompt, err := renderPrompt(req)
	if err != nil {
		return Response{}, fmt.Errorf("agent: render prompt: %w", err)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.modelName),
		MaxTokens: a.maxTokens,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	}
	if a.systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: a.systemPrompt}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("agent: anthropic: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if text != "" {
				text += "\n"
			}
			text += b.Text
		}
	}

	tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	return Response{
		Output:     map[string]any{"text": text, "phase": req.Phase},
		TokensUsed: tokens,
	}, nil
}

// renderPrompt folds Instructions and Context into one user message.
func renderPrompt(req Request) (string, error) {
	if len(req.Context) == 0 {
		return req.Instructions, nil
	}
	ctxJSON, err := json.Marshal(req.Context)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n\ncontext:\n%s", req.Instructions, ctxJSON), nil
}
