package retrieval

import (
	"context"
	"fmt"
	"strings"

	go_openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// Embedder maps text into the vector space of a knowledge base.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder generates embeddings with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *go_openai.Client
	model  go_openai.EmbeddingModel
}

func NewOpenAIEmbedder(apiKey, baseURL, model string) (*OpenAIEmbedder, error) {
	m, err := openAIEmbeddingModel(model)
	if err != nil {
		return nil, err
	}
	config := go_openai.DefaultConfig(apiKey)
	if u := strings.TrimSpace(baseURL); u != "" {
		config.BaseURL = u
	}
	return &OpenAIEmbedder{client: go_openai.NewClientWithConfig(config), model: m}, nil
}

// openAIEmbeddingModel maps a model name onto the client's model enum.
// An empty name selects text-embedding-ada-002.
func openAIEmbeddingModel(name string) (go_openai.EmbeddingModel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return go_openai.AdaEmbeddingV2, nil
	}
	var m go_openai.EmbeddingModel
	if err := m.UnmarshalText([]byte(name)); err != nil || m == go_openai.Unknown {
		return go_openai.Unknown, fmt.Errorf("unsupported openai embedding model %q", name)
	}
	return m, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, go_openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding data received from OpenAI")
	}
	return resp.Data[0].Embedding, nil
}

// GenAIEmbedder generates embeddings using Google's Gemini API.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

func NewGenAIEmbedder(ctx context.Context, apiKey, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model}, nil
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{TaskType: "RETRIEVAL_QUERY"},
	)
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// NewEmbedder selects an embedder by provider name; an empty provider disables embeddings.
func NewEmbedder(ctx context.Context, provider, model, openAIKey, openAIBaseURL, googleKey string) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "none":
		return nil, nil
	case "openai":
		if strings.TrimSpace(openAIKey) == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for openai embeddings")
		}
		e, err := NewOpenAIEmbedder(openAIKey, openAIBaseURL, model)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "gemini", "genai":
		e, err := NewGenAIEmbedder(ctx, googleKey, model)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", provider)
	}
}
