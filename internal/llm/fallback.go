package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// FallbackGenerator attempts a primary generator first and falls back on error.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

func (g *FallbackGenerator) Complete(ctx context.Context, messages []Message) (string, error) {
	if g.primary == nil {
		if g.fallback != nil {
			return g.fallback.Complete(ctx, messages)
		}
		return "", fmt.Errorf("fallback generator misconfigured")
	}

	text, err := g.primary.Complete(ctx, messages)
	if err == nil {
		return text, nil
	}
	// A caller deadline or cancellation applies to both providers.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || g.fallback == nil {
		return "", err
	}

	log.Warn().Err(err).Msg("primary model failed; using fallback")
	fallbackText, fallbackErr := g.fallback.Complete(ctx, messages)
	if fallbackErr != nil {
		return "", fmt.Errorf("primary generator error: %w; fallback generator error: %v", err, fallbackErr)
	}
	return fallbackText, nil
}
