package llm

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// OpenAIGenerator calls an OpenAI-compatible chat completions endpoint.
type OpenAIGenerator struct {
	client *go_openai.Client
	model  string
}

func NewOpenAIGenerator(apiKey, baseURL, model string) *OpenAIGenerator {
	config := go_openai.DefaultConfig(apiKey)
	if u := strings.TrimSpace(baseURL); u != "" {
		config.BaseURL = u
	}
	return &OpenAIGenerator{
		client: go_openai.NewClientWithConfig(config),
		model:  model,
	}
}

func (g *OpenAIGenerator) Complete(ctx context.Context, messages []Message) (string, error) {
	req := go_openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: toOpenAIMessages(messages),
		// A zero temperature is dropped by omitempty and the API default applies;
		// the smallest positive value keeps decoding greedy.
		Temperature: math.SmallestNonzeroFloat32,
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", unavailable("openai", normalizeOpenAIError(err))
	}
	if len(resp.Choices) == 0 {
		log.Warn().Str("model", g.model).Msg("openai returned no choices")
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func toOpenAIMessages(messages []Message) []go_openai.ChatCompletionMessage {
	out := make([]go_openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := go_openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = go_openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = go_openai.ChatMessageRoleAssistant
		}
		out = append(out, go_openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// normalizeOpenAIError surfaces HTTP statuses as StatusError so retry policy can classify them.
func normalizeOpenAIError(err error) error {
	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return errors.Join(&StatusError{Provider: "openai", Code: apiErr.HTTPStatusCode, Body: apiErr.Message}, err)
	}
	var reqErr *go_openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return errors.Join(&StatusError{Provider: "openai", Code: reqErr.HTTPStatusCode}, err)
	}
	return err
}
