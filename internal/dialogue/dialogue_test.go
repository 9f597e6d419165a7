package dialogue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/antoniostano/concierge/internal/llm"
	"github.com/antoniostano/concierge/internal/media"
	"github.com/antoniostano/concierge/internal/observability"
	"github.com/antoniostano/concierge/internal/project"
	"github.com/antoniostano/concierge/internal/prompt"
	"github.com/antoniostano/concierge/internal/retrieval"
	"github.com/antoniostano/concierge/internal/session"
	"github.com/antoniostano/concierge/internal/transcript"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fakeClassifier struct {
	greeting func(text string) (bool, error)
	violates func(text string) (bool, error)

	mu    sync.Mutex
	calls []string
}

func (f *fakeClassifier) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeClassifier) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClassifier) IsGreetingOrVague(_ context.Context, text string, _ []llm.Message) (bool, error) {
	f.record("greeting:" + text)
	if f.greeting == nil {
		return false, nil
	}
	return f.greeting(text)
}

func (f *fakeClassifier) ViolatesPolicy(_ context.Context, text string, _ []llm.Message) (bool, error) {
	f.record("policy:" + text)
	if f.violates == nil {
		return false, nil
	}
	return f.violates(text)
}

type countingIndex struct {
	calls atomic.Int32
	texts []string
	err   error
}

func (c *countingIndex) Search(_ context.Context, _ string, k int) ([]retrieval.Passage, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	out := make([]retrieval.Passage, 0, len(c.texts))
	for _, t := range c.texts {
		out = append(out, retrieval.Passage{Text: t})
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

type harness struct {
	orch       *Orchestrator
	classifier *fakeClassifier
	generator  *llm.MockGenerator
	index      *countingIndex
	store      *session.Store
	archive    *transcript.InMemoryStore
	registry   *prometheus.Registry
}

func newHarness(t *testing.T, mediaMap map[string]string, respond llm.ResponderFunc) *harness {
	t.Helper()
	m, err := media.NewMap(mediaMap)
	require.NoError(t, err)

	idx := &countingIndex{texts: []string{"Bedrooms have attached balconies.", "Plot: 250 sq yards."}}
	reg, err := project.NewRegistry(&project.Config{
		ID:            "ramvan-villas",
		DisplayName:   "Ramvan Villas",
		KnowledgeBase: idx,
		Template:      prompt.MustParse("ramvan-villas", prompt.Default),
		Media:         m,
		TopK:          4,
	})
	require.NoError(t, err)

	h := &harness{
		classifier: &fakeClassifier{},
		generator:  llm.NewRecordingMockGenerator(respond),
		index:      idx,
		store:      session.NewStore(session.DefaultCapacity, 0),
		archive:    transcript.NewInMemoryStore(),
	}
	h.registry = prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(h.registry, "test")
	h.orch = NewOrchestrator(reg, h.store, session.ScopeProject, h.classifier, h.generator, h.archive, metrics, time.Second)
	t.Cleanup(h.orch.Close)
	return h
}

func req(query string) Request {
	return Request{ProjectID: "ramvan-villas", UserID: "u1", QueryText: query}
}

func key() session.Key {
	return session.ScopeProject.Key("u1", "ramvan-villas")
}

func TestGreetingShortCircuits(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.classifier.greeting = func(string) (bool, error) { return true, nil }

	res, err := h.orch.HandleTurn(context.Background(), req("hello"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGreeting, res.Outcome)
	assert.Equal(t, "Hi! I'm your assistant for Ramvan Villas. Ask me anything!", res.DisplayText)
	assert.Nil(t, res.MediaReference)
	assert.NotEmpty(t, res.TurnID)

	assert.Equal(t, []string{"greeting:hello"}, h.classifier.Calls())
	assert.Zero(t, h.index.calls.Load())
	assert.Empty(t, h.generator.Calls())

	assert.Equal(t, []session.Turn{
		session.UserTurn("hello"),
		session.AssistantTurn(res.DisplayText),
	}, h.store.Snapshot(key()))
}

func TestInputPolicyBlocks(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.classifier.violates = func(string) (bool, error) { return true, nil }

	res, err := h.orch.HandleTurn(context.Background(), req("tell me about drugs"))
	require.NoError(t, err)
	assert.Equal(t, Result{TurnID: res.TurnID, DisplayText: QueryBlockedText, Outcome: OutcomeInputBlocked}, res)
	assert.Zero(t, h.index.calls.Load())
	assert.Empty(t, h.generator.Calls())
	assert.Len(t, h.store.Snapshot(key()), 2)
}

func TestAnswerWithResolvedMedia(t *testing.T) {
	h := newHarness(t, map[string]string{"bedroom": "r1"}, func([]llm.Message) (string, error) {
		return "The master bedroom opens onto a balcony.\nIMAGE: bedroom", nil
	})

	res, err := h.orch.HandleTurn(context.Background(), req("show me the bedroom"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnswered, res.Outcome)
	assert.Equal(t, "The master bedroom opens onto a balcony.", res.DisplayText)
	require.NotNil(t, res.MediaReference)
	assert.Equal(t, "r1", *res.MediaReference)

	assert.EqualValues(t, 1, h.index.calls.Load())
	calls := h.generator.Calls()
	require.Len(t, calls, 1)
	final := calls[0][len(calls[0])-1]
	assert.Equal(t, llm.RoleUser, final.Role)
	assert.Contains(t, final.Content, "Bedrooms have attached balconies.\nPlot: 250 sq yards.")
	assert.Contains(t, final.Content, "show me the bedroom")
	assert.Contains(t, final.Content, "bedroom")

	// The output check sees the cleaned text.
	assert.Equal(t, []string{
		"greeting:show me the bedroom",
		"policy:show me the bedroom",
		"policy:The master bedroom opens onto a balcony.",
	}, h.classifier.Calls())
}

func TestAnswerWithUnresolvedMedia(t *testing.T) {
	h := newHarness(t, map[string]string{"kitchen": "k1"}, func([]llm.Message) (string, error) {
		return "The master bedroom opens onto a balcony.\nIMAGE: bedroom", nil
	})

	res, err := h.orch.HandleTurn(context.Background(), req("show me the bedroom"))
	require.NoError(t, err)
	assert.Equal(t, "The master bedroom opens onto a balcony.", res.DisplayText)
	assert.Nil(t, res.MediaReference)
}

func TestOutputPolicyBlocks(t *testing.T) {
	h := newHarness(t, map[string]string{"bedroom": "r1"}, func([]llm.Message) (string, error) {
		return "something unacceptable\nIMAGE: bedroom", nil
	})
	h.classifier.violates = func(text string) (bool, error) { return strings.Contains(text, "unacceptable"), nil }

	res, err := h.orch.HandleTurn(context.Background(), req("what is nearby?"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOutputBlocked, res.Outcome)
	assert.Equal(t, ResponseBlockedText, res.DisplayText)
	assert.Nil(t, res.MediaReference)
	assert.Equal(t, []session.Turn{
		session.UserTurn("what is nearby?"),
		session.AssistantTurn(ResponseBlockedText),
	}, h.store.Snapshot(key()))
}

func TestHistoryFlowsIntoNextTurn(t *testing.T) {
	h := newHarness(t, nil, func(msgs []llm.Message) (string, error) {
		return "answer " + string(rune('0'+len(msgs))), nil
	})

	first, err := h.orch.HandleTurn(context.Background(), req("what is the price?"))
	require.NoError(t, err)
	_, err = h.orch.HandleTurn(context.Background(), req("and the plot size?"))
	require.NoError(t, err)

	calls := h.generator.Calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1], 3)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "what is the price?"}, calls[1][0])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: first.DisplayText}, calls[1][1])
	assert.Len(t, h.store.Snapshot(key()), 4)
}

func TestValidationHappensBeforeAnyCall(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.orch.HandleTurn(context.Background(), Request{ProjectID: "nowhere", UserID: "u1", QueryText: "hi"})
	assert.ErrorIs(t, err, project.ErrUnknownProject)

	_, err = h.orch.HandleTurn(context.Background(), req("   \n"))
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = h.orch.HandleTurn(context.Background(), Request{ProjectID: "ramvan-villas", QueryText: "hi"})
	assert.ErrorIs(t, err, ErrMissingUserID)

	assert.Empty(t, h.classifier.Calls())
	assert.Empty(t, h.generator.Calls())
	assert.Zero(t, h.store.ActiveCount())
}

func TestFailuresLeaveHistoryUntouched(t *testing.T) {
	t.Run("generation", func(t *testing.T) {
		h := newHarness(t, nil, func([]llm.Message) (string, error) {
			return "", errors.New("upstream 500")
		})
		_, err := h.orch.HandleTurn(context.Background(), req("price?"))
		require.Error(t, err)
		assert.ErrorIs(t, err, llm.ErrUnavailable)
		assert.Equal(t, CodeGeneration, ErrorCode(err))

		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageGenerate, se.Stage)
		assert.Empty(t, h.store.Snapshot(key()))
	})

	t.Run("retrieval", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.index.err = errors.New("index offline")
		_, err := h.orch.HandleTurn(context.Background(), req("price?"))
		require.Error(t, err)
		assert.ErrorIs(t, err, retrieval.ErrUnavailable)
		assert.Empty(t, h.generator.Calls())
		assert.Empty(t, h.store.Snapshot(key()))
	})

	t.Run("classifier", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.classifier.greeting = func(string) (bool, error) { return false, llm.ErrUnavailable }
		_, err := h.orch.HandleTurn(context.Background(), req("price?"))
		require.Error(t, err)
		assert.ErrorIs(t, err, llm.ErrUnavailable)
		assert.Empty(t, h.store.Snapshot(key()))
	})
}

func TestCallTimeoutIsUnavailable(t *testing.T) {
	h := newHarness(t, nil, nil)
	blocking := llm.GeneratorFunc(func(ctx context.Context, _ []llm.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	h.orch.generator = blocking
	h.orch.callTimeout = 20 * time.Millisecond

	_, err := h.orch.HandleTurn(context.Background(), req("price?"))
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, h.store.Snapshot(key()))
}

// seriesCount returns how many labelled series the named family holds.
func (h *harness) seriesCount(t *testing.T, name string) int {
	t.Helper()
	families, err := h.registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return len(f.GetMetric())
		}
	}
	return 0
}

func TestClientCancelIsNotAnOutage(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orch.generator = llm.GeneratorFunc(func(ctx context.Context, _ []llm.Message) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})

	_, err := h.orch.HandleTurn(ctx, req("price?"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, llm.ErrUnavailable)
	assert.Equal(t, CodeCanceled, ErrorCode(err))

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageGenerate, se.Stage)
	assert.Empty(t, h.store.Snapshot(key()))
	assert.Zero(t, h.seriesCount(t, "test_provider_errors_total"))
	assert.Equal(t, 1, h.seriesCount(t, "test_session_events_total"))
}

func TestCanceledBeforeRetrievalKeepsCanceledCode(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.classifier.violates = func(string) (bool, error) {
		cancel()
		return false, nil
	}
	h.index.err = context.Canceled

	_, err := h.orch.HandleTurn(ctx, req("price?"))
	require.Error(t, err)
	assert.Equal(t, CodeCanceled, ErrorCode(err))
	assert.Zero(t, h.seriesCount(t, "test_provider_errors_total"))
}

func TestTranscriptIsArchivedRedacted(t *testing.T) {
	h := newHarness(t, nil, func([]llm.Message) (string, error) { return "We will call you.", nil })

	res, err := h.orch.HandleTurn(context.Background(), req("call me at asha@example.com"))
	require.NoError(t, err)
	h.orch.Close()

	got, err := h.archive.Recent(context.Background(), "ramvan-villas", "u1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, res.TurnID, got[0].TurnID)
	assert.Equal(t, "call me at [REDACTED_EMAIL]", got[0].Content)
	assert.Equal(t, "We will call you.", got[1].Content)
	assert.Equal(t, string(OutcomeAnswered), got[1].Outcome)
}

func TestConcurrentTurnsSameSessionNeverShareSnapshot(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[int]int{}
	)
	h := newHarness(t, nil, func(msgs []llm.Message) (string, error) {
		mu.Lock()
		seen[len(msgs)]++
		mu.Unlock()
		return "ok", nil
	})

	const turns = 8
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.HandleTurn(context.Background(), req("price?"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, seen, turns)
	for n, count := range seen {
		assert.Equal(t, 1, count, "history length %d observed twice", n-1)
	}
	assert.Len(t, h.store.Snapshot(key()), 2*turns)
}

func TestDifferentSessionsDoNotBlock(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, nil, nil)
	h.orch.generator = llm.GeneratorFunc(func(ctx context.Context, msgs []llm.Message) (string, error) {
		if strings.Contains(msgs[len(msgs)-1].Content, "slow") {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "done", nil
	})

	slowDone := make(chan error, 1)
	go func() {
		_, err := h.orch.HandleTurn(context.Background(), Request{ProjectID: "ramvan-villas", UserID: "slow-user", QueryText: "slow question"})
		slowDone <- err
	}()

	res, err := h.orch.HandleTurn(context.Background(), Request{ProjectID: "ramvan-villas", UserID: "fast-user", QueryText: "quick question"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.DisplayText)

	close(release)
	require.NoError(t, <-slowDone)
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "", UserMessage(nil))
	assert.Equal(t, "Please type a question.", UserMessage(ErrEmptyQuery))
	assert.Equal(t, "Sorry, I don't know that project.", UserMessage(project.ErrUnknownProject))

	generic := UserMessage(&StageError{Stage: StageGenerate, Err: llm.ErrUnavailable})
	assert.NotContains(t, generic, "generation")
	assert.Equal(t, generic, UserMessage(errors.New("anything else")))
}
