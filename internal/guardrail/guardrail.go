package guardrail

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/antoniostano/concierge/internal/llm"
	"github.com/antoniostano/concierge/internal/observability"
)

const (
	CheckGreeting = "greeting"
	CheckPolicy   = "policy"
)

const (
	LabelGreeting = "GREETING"
	LabelQuery    = "QUERY"
	LabelBlock    = "BLOCK"
	LabelAllow    = "ALLOW"
)

// DisallowedTopics is the fixed policy set.
var DisallowedTopics = []string{"religion", "sexual content", "politics", "terrorism", "violence", "drugs"}

// Classifier gates a turn. Both checks see the prior conversation but never
// modify it.
type Classifier interface {
	IsGreetingOrVague(ctx context.Context, text string, history []llm.Message) (bool, error)
	ViolatesPolicy(ctx context.Context, text string, history []llm.Message) (bool, error)
}

// LLMClassifier asks the generator for a one-word label.
type LLMClassifier struct {
	gen     llm.Generator
	metrics *observability.Metrics
}

func NewLLMClassifier(gen llm.Generator, metrics *observability.Metrics) *LLMClassifier {
	return &LLMClassifier{gen: gen, metrics: metrics}
}

func (c *LLMClassifier) IsGreetingOrVague(ctx context.Context, text string, history []llm.Message) (bool, error) {
	return c.classify(ctx, CheckGreeting, greetingPrompt(text), history, LabelGreeting, LabelQuery)
}

func (c *LLMClassifier) ViolatesPolicy(ctx context.Context, text string, history []llm.Message) (bool, error) {
	return c.classify(ctx, CheckPolicy, policyPrompt(text), history, LabelBlock, LabelAllow)
}

// classify reports whether the reply is the positive label. Output matching
// neither label counts as negative.
func (c *LLMClassifier) classify(ctx context.Context, check, instruction string, history []llm.Message, positive, negative string) (bool, error) {
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: instruction})

	reply, err := c.gen.Complete(ctx, messages)
	if err != nil {
		return false, fmt.Errorf("%s check: %w", check, err)
	}

	switch ParseLabel(reply) {
	case positive:
		return true, nil
	case negative:
		return false, nil
	default:
		log.Warn().
			Str("check", check).
			Str("reply", truncate(reply, 120)).
			Msg("classifier reply matched no label; passing")
		c.metrics.CountAmbiguous(check)
		return false, nil
	}
}

// ParseLabel normalises a one-word classifier reply: surrounding whitespace,
// quotes, markdown emphasis and trailing punctuation are dropped and the result
// is upper-cased.
func ParseLabel(reply string) string {
	s := strings.TrimSpace(reply)
	s = strings.Trim(s, "\"'`*_ \t\r\n")
	s = strings.TrimRight(s, ".!:;, \t")
	s = strings.Trim(s, "\"'`*_ ")
	return strings.ToUpper(s)
}

func greetingPrompt(text string) string {
	return fmt.Sprintf(`Classify the user's message. If it's a greeting or vague unrelated message like "hi", "hello", "good morning", "how are you", or anything that doesn't ask about the project, respond with "%s". Otherwise respond with "%s".

Message: %q
Category:`, LabelGreeting, LabelQuery, text)
}

func policyPrompt(text string) string {
	return fmt.Sprintf(`You are a content filter. Check if the following text contains any references to %s.

Text: %q

If it violates, reply only with "%s". Otherwise, reply only with "%s".`, joinTopics(), text, LabelBlock, LabelAllow)
}

func joinTopics() string {
	n := len(DisallowedTopics)
	if n == 1 {
		return DisallowedTopics[0]
	}
	return strings.Join(DisallowedTopics[:n-1], ", ") + ", or " + DisallowedTopics[n-1]
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
