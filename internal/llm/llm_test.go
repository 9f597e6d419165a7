package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

var convo = []Message{
	{Role: RoleUser, Content: "what is the plot size?"},
	{Role: RoleAssistant, Content: "250 sq yards."},
	{Role: RoleUser, Content: "and the price?"},
}

func TestHTTPGeneratorJSONBody(t *testing.T) {
	var got httpCompletionRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"  Rs 8000 per sq yard. "}`))
	}))
	defer ts.Close()

	text, err := NewHTTPGenerator(ts.URL, "house-model").Complete(context.Background(), convo)
	require.NoError(t, err)
	assert.Equal(t, "Rs 8000 per sq yard.", text)
	assert.Equal(t, "house-model", got.Model)
	assert.Zero(t, got.Temperature)
	assert.Equal(t, convo, got.Messages)
}

func TestHTTPGeneratorOpenAIShapedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer ts.Close()

	text, err := NewHTTPGenerator(ts.URL, "").Complete(context.Background(), convo)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestHTTPGeneratorPlainTextBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("just text\nIMAGE: villa\n"))
	}))
	defer ts.Close()

	text, err := NewHTTPGenerator(ts.URL, "").Complete(context.Background(), convo)
	require.NoError(t, err)
	assert.Equal(t, "just text\nIMAGE: villa", text)
}

func TestHTTPGeneratorSSE(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(strings.Join([]string{
			": keepalive",
			"",
			`data: {"delta":"Hel"}`,
			"",
			`data: {"delta":"lo"}`,
			"",
			"data: [DONE]",
			"",
		}, "\n")))
	}))
	defer ts.Close()

	text, err := NewHTTPGenerator(ts.URL, "").Complete(context.Background(), convo)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
}

func TestHTTPGeneratorStatusIsUnavailableAndRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := NewHTTPGenerator(ts.URL, "").Complete(context.Background(), convo)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsRetryable(err))

	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusServiceUnavailable, status.Code)
}

func TestHTTPGeneratorHonoursDeadline(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewHTTPGenerator(ts.URL, "").Complete(ctx, convo)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenAIGeneratorSendsConversation(t *testing.T) {
	var req map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":" GREETING "},"finish_reason":"stop"}]}`))
	}))
	defer ts.Close()

	g := NewOpenAIGenerator("sk-test", ts.URL+"/v1", "gpt-4o-mini")
	text, err := g.Complete(context.Background(), append([]Message{{Role: RoleSystem, Content: "be brief"}}, convo...))
	require.NoError(t, err)
	assert.Equal(t, "GREETING", text)

	assert.Equal(t, "gpt-4o-mini", req["model"])
	temp, ok := req["temperature"].(float64)
	require.True(t, ok, "temperature must be sent explicitly")
	assert.Less(t, temp, 1e-6)
	msgs, ok := req["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", msgs[2].(map[string]any)["role"])
}

func TestOpenAIGeneratorStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer ts.Close()

	_, err := NewOpenAIGenerator("sk-test", ts.URL+"/v1", "gpt-4o-mini").Complete(context.Background(), convo)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsRetryable(err))
}

func TestGenAIContentsMapRoles(t *testing.T) {
	contents, system := toGenAIContents(append([]Message{{Role: RoleSystem, Content: "persona"}}, convo...))
	require.NotNil(t, system)
	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, genai.RoleModel, contents[1].Role)

	_, system = toGenAIContents(convo)
	assert.Nil(t, system)
}

type scriptedGenerator struct {
	calls atomic.Int32
	errs  []error
	text  string
}

func (g *scriptedGenerator) Complete(context.Context, []Message) (string, error) {
	n := int(g.calls.Add(1)) - 1
	if n < len(g.errs) && g.errs[n] != nil {
		return "", g.errs[n]
	}
	return g.text, nil
}

func TestRetryingGeneratorRetriesRetryableStatus(t *testing.T) {
	next := &scriptedGenerator{
		errs: []error{unavailable("http", &StatusError{Provider: "http", Code: 503})},
		text: "ok",
	}
	g := NewRetryingGenerator(next, 2, time.Millisecond, 5*time.Millisecond)
	text, err := g.Complete(context.Background(), convo)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.EqualValues(t, 2, next.calls.Load())
}

func TestRetryingGeneratorStopsOnPermanentError(t *testing.T) {
	next := &scriptedGenerator{
		errs: []error{unavailable("http", &StatusError{Provider: "http", Code: 401})},
		text: "ok",
	}
	g := NewRetryingGenerator(next, 3, time.Millisecond, 5*time.Millisecond)
	_, err := g.Complete(context.Background(), convo)
	require.Error(t, err)
	assert.EqualValues(t, 1, next.calls.Load())
}

func TestFallbackGenerator(t *testing.T) {
	primary := &scriptedGenerator{errs: []error{errors.New("boom")}}
	secondary := &scriptedGenerator{text: "from fallback"}
	text, err := NewFallbackGenerator(primary, secondary).Complete(context.Background(), convo)
	require.NoError(t, err)
	assert.Equal(t, "from fallback", text)

	cancelled := &scriptedGenerator{errs: []error{context.Canceled}}
	unused := &scriptedGenerator{text: "nope"}
	_, err = NewFallbackGenerator(cancelled, unused).Complete(context.Background(), convo)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, unused.calls.Load())
}

func TestMockGeneratorEchoesAndRecords(t *testing.T) {
	g := NewRecordingMockGenerator(nil)
	text, err := g.Complete(context.Background(), convo)
	require.NoError(t, err)
	assert.Equal(t, "I heard you: and the price?", text)
	require.Len(t, g.Calls(), 1)
	assert.Len(t, g.Calls()[0], 3)
}

func TestMockGeneratorKeepsNoCallsByDefault(t *testing.T) {
	g := NewMockGenerator(nil)
	for range 100 {
		_, err := g.Complete(context.Background(), convo)
		require.NoError(t, err)
	}
	assert.Empty(t, g.Calls())
}

func TestNewGeneratorModes(t *testing.T) {
	ctx := context.Background()

	_, err := NewGenerator(ctx, Config{Mode: "auto"})
	assert.ErrorIs(t, err, ErrNoProvider)

	g, err := NewGenerator(ctx, Config{Mode: "auto", AllowMockFallback: true})
	require.NoError(t, err)
	assert.IsType(t, &MockGenerator{}, g)

	g, err = NewGenerator(ctx, Config{Mode: "auto", OpenAIAPIKey: "sk"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIGenerator{}, g)

	g, err = NewGenerator(ctx, Config{Mode: "http", HTTPURL: "http://localhost:1", MaxRetries: 2})
	require.NoError(t, err)
	assert.IsType(t, &RetryingGenerator{}, g)

	_, err = NewGenerator(ctx, Config{Mode: "openai"})
	assert.Error(t, err)
	_, err = NewGenerator(ctx, Config{Mode: "carrier-pigeon"})
	assert.Error(t, err)
}
