package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/concierge/internal/config"
	"github.com/antoniostano/concierge/internal/llm"
	"github.com/antoniostano/concierge/internal/retrieval"
)

type providerSetup struct {
	generator llm.Generator
	embedder  retrieval.Embedder
	detail    string
}

func resolveProviders(ctx context.Context, cfg config.Config) (providerSetup, error) {
	gen, err := llm.NewGenerator(ctx, llm.Config{
		Mode:          cfg.LLMMode,
		Model:         cfg.LLMModel,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		GoogleAPIKey:  cfg.GoogleAPIKey,
		HTTPURL:       cfg.LLMHTTPURL,
		MaxRetries:    cfg.LLMMaxRetries,
		RetryBase:     200 * time.Millisecond,
		RetryCap:      2 * time.Second,

		AllowMockFallback: cfg.LLMMockFallback,
	})
	if err != nil {
		return providerSetup{}, fmt.Errorf("llm init failed: %w", err)
	}

	emb, err := retrieval.NewEmbedder(ctx, cfg.EmbeddingProvider, cfg.EmbeddingModel, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.GoogleAPIKey)
	if err != nil {
		return providerSetup{}, fmt.Errorf("embedding init failed: %w", err)
	}

	detail := strings.ToLower(strings.TrimSpace(cfg.LLMMode))
	if detail == "" || detail == "auto" {
		detail = fmt.Sprintf("auto (%T)", gen)
	}
	if emb != nil {
		detail += ", embeddings=" + strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider))
	}
	return providerSetup{generator: gen, embedder: emb, detail: detail}, nil
}
