package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPGenerator posts the conversation to a completion endpoint that answers
// with plain text, a JSON object, SSE or NDJSON.
type HTTPGenerator struct {
	url    string
	model  string
	client *http.Client
}

type httpCompletionRequest struct {
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature"`
	Messages    []Message `json:"messages"`
}

func NewHTTPGenerator(url, model string) *HTTPGenerator {
	return &HTTPGenerator{
		url:   strings.TrimSpace(url),
		model: strings.TrimSpace(model),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (g *HTTPGenerator) Complete(ctx context.Context, messages []Message) (string, error) {
	payload, err := json.Marshal(httpCompletionRequest{Model: g.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := g.client.Do(httpReq)
	if err != nil {
		return "", unavailable("http", fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", unavailable("http", &StatusError{Provider: "http", Code: res.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		text, err := consumeStreaming(res.Body)
		if err != nil {
			return "", unavailable("http", err)
		}
		return strings.TrimSpace(text), nil
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", unavailable("http", fmt.Errorf("read response: %w", err))
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	return strings.TrimSpace(extractText(obj)), nil
}

func consumeStreaming(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "content", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	// OpenAI-shaped bodies: {"choices":[{"message":{"content":"..."}}]}
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if c, ok := choices[0].(map[string]any); ok {
			for _, k := range []string{"message", "delta"} {
				if m, ok := c[k].(map[string]any); ok {
					if s, ok := m["content"].(string); ok {
						return s
					}
				}
			}
		}
	}
	return ""
}
