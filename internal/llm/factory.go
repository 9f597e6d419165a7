package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultGeminiModel = "gemini-2.0-flash"
)

// Config controls generator construction.
type Config struct {
	Mode          string
	Model         string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GoogleAPIKey  string
	HTTPURL       string
	MaxRetries    int
	RetryBase     time.Duration
	RetryCap      time.Duration

	// AllowMockFallback lets auto mode answer with the echo mock when no
	// provider credentials are set. Otherwise auto mode fails.
	AllowMockFallback bool
}

// ErrNoProvider is returned by auto mode when nothing is configured.
var ErrNoProvider = errors.New("no model credentials configured for auto mode; set LLM_MODE=mock to run without a provider")

// NewGenerator builds the generator selected by cfg.Mode (auto|openai|gemini|http|mock).
func NewGenerator(ctx context.Context, cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	var (
		gen Generator
		err error
	)
	switch mode {
	case "auto":
		gen, err = newAutoGenerator(ctx, cfg)
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for openai mode")
		}
		gen = NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, modelOr(cfg.Model, DefaultOpenAIModel))
	case "gemini":
		if strings.TrimSpace(cfg.GoogleAPIKey) == "" {
			return nil, errors.New("GOOGLE_API_KEY is required for gemini mode")
		}
		gen, err = NewGeminiGenerator(ctx, cfg.GoogleAPIKey, modelOr(cfg.Model, DefaultGeminiModel))
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("LLM_HTTP_URL is required for http mode")
		}
		gen = NewHTTPGenerator(cfg.HTTPURL, cfg.Model)
	case "mock":
		gen = NewMockGenerator(nil)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	if cfg.MaxRetries > 0 {
		gen = NewRetryingGenerator(gen, cfg.MaxRetries, cfg.RetryBase, cfg.RetryCap)
	}
	return gen, nil
}

func newAutoGenerator(ctx context.Context, cfg Config) (Generator, error) {
	var chain []Generator
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		chain = append(chain, NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, modelOr(cfg.Model, DefaultOpenAIModel)))
	}
	if strings.TrimSpace(cfg.GoogleAPIKey) != "" {
		// The configured model name belongs to the primary provider when both are set.
		model := cfg.Model
		if len(chain) > 0 {
			model = ""
		}
		g, err := NewGeminiGenerator(ctx, cfg.GoogleAPIKey, modelOr(model, DefaultGeminiModel))
		if err != nil {
			return nil, err
		}
		chain = append(chain, g)
	}
	if len(chain) == 0 && strings.TrimSpace(cfg.HTTPURL) != "" {
		chain = append(chain, NewHTTPGenerator(cfg.HTTPURL, cfg.Model))
	}

	switch len(chain) {
	case 0:
		if !cfg.AllowMockFallback {
			return nil, ErrNoProvider
		}
		log.Warn().Msg("no model credentials configured; using mock generator")
		return NewMockGenerator(nil), nil
	case 1:
		return chain[0], nil
	default:
		return NewFallbackGenerator(chain[0], chain[1]), nil
	}
}

func modelOr(model, fallback string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return fallback
}
