package agent

import (
	"context"
	"fmt"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAgent implements Agent against OpenAI's Chat Completions API,
// proving Agent is provider-agnostic alongside AnthropicAgent.
type OpenAIAgent struct {
	client    openaisdk.Client
	modelName string
}

// DefaultOpenAIModel is used when NewOpenAIAgent is given an empty
// modelName.
const DefaultOpenAIModel = "gpt-4o"

// NewOpenAIAgent constructs an OpenAIAgent over apiKey.
func NewOpenAIAgent(apiKey, modelName string) *OpenAIAgent {
	if modelName == "" {
		modelName = DefaultOpenAIModel
	}
	return &OpenAIAgent{
		client:    openaisdk.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
	}
}

// Run implements Agent.
func (a *OpenAIAgent) Run(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	prompt, err := renderPrompt(req)
	if err != nil {
		return Response{}, fmt.Errorf("agent: render prompt: %w", err)
	}

	params := openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(a.modelName),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.UserMessage(prompt),
		},
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("agent: openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("agent: openai: empty choices")
	}

	return Response{
		Output:     map[string]any{"text": resp.Choices[0].Message.Content, "phase": req.Phase},
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}
