package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ResponderFunc computes a scripted reply for a message sequence.
type ResponderFunc func(messages []Message) (string, error)

// MockGenerator provides deterministic local replies when no model is configured.
type MockGenerator struct {
	respond ResponderFunc
	record  bool

	mu    sync.Mutex
	calls [][]Message
}

// NewMockGenerator answers with respond, or echoes the last user message when nil.
// It keeps no per-call state.
func NewMockGenerator(respond ResponderFunc) *MockGenerator {
	if respond == nil {
		respond = echoReply
	}
	return &MockGenerator{respond: respond}
}

// NewRecordingMockGenerator is NewMockGenerator that also keeps every message
// sequence it receives, for Calls.
func NewRecordingMockGenerator(respond ResponderFunc) *MockGenerator {
	g := NewMockGenerator(respond)
	g.record = true
	return g
}

func (g *MockGenerator) Complete(ctx context.Context, messages []Message) (string, error) {
	select {
	case <-ctx.Done():
		return "", unavailable("mock", ctx.Err())
	default:
	}

	cp := make([]Message, len(messages))
	copy(cp, messages)
	if g.record {
		g.mu.Lock()
		g.calls = append(g.calls, cp)
		g.mu.Unlock()
	}

	return g.respond(cp)
}

// Calls returns every message sequence received so far. It is always empty
// unless the generator was built with NewRecordingMockGenerator.
func (g *MockGenerator) Calls() [][]Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]Message, len(g.calls))
	copy(out, g.calls)
	return out
}

func echoReply(messages []Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != RoleUser {
			continue
		}
		base := strings.TrimSpace(messages[i].Content)
		if base == "" {
			break
		}
		if first, _, ok := strings.Cut(base, "\n"); ok {
			base = first
		}
		return fmt.Sprintf("I heard you: %s", base), nil
	}
	return "I am listening.", nil
}
