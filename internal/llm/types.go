package llm

import (
	"context"
	"errors"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the ordered conversation sent to a model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Generator produces a completion for an ordered message sequence.
// Implementations decode at temperature zero with a fixed model.
type Generator interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, messages []Message) (string, error)

func (f GeneratorFunc) Complete(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

// ErrUnavailable marks transport, service and timeout failures of a model call.
var ErrUnavailable = errors.New("generation unavailable")

// StatusError carries a non-2xx HTTP status from a model endpoint.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s http status %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s http status %d: %s", e.Provider, e.Code, e.Body)
}

func unavailable(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, provider, err)
}
