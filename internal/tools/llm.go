package tools

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// NewLLMChatTool returns a tool that answers free-form prompts through
// the Gemini API, plus a closer for the underlying client. Registered
// only when an API key is configured.
func NewLLMChatTool(ctx context.Context, apiKey, model string) (*Tool, func() error, error) {
	if apiKey == "" {
		return nil, nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	tool := &Tool{
		Name:        "llm_chat",
		Version:     "1.0.0",
		Description: "Answers a free-form prompt using the configured Gemini model",
		Timeout:     60 * time.Second,
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			prompt := stringArg(args, "prompt", "")
			if prompt == "" {
				prompt = stringArg(args, "intent", "")
			}
			if prompt == "" {
				return nil, NewError(KindInvalidArgs, "llm_chat requires a prompt or intent argument")
			}

			resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
			if err != nil {
				return nil, WrapError(KindDependencyUnavailable, "GenAI request failed", err)
			}
			return map[string]any{
				"response": resp.Text(),
				"model":    model,
			}, nil
		},
	}
	// google.golang.org/genai's Client has no Close method (it holds no
	// closable resources), so the closer has nothing to release.
	return tool, func() error { return nil }, nil
}
