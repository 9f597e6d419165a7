package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/concierge/internal/guardrail"
	"github.com/antoniostano/concierge/internal/llm"
	"github.com/antoniostano/concierge/internal/media"
	"github.com/antoniostano/concierge/internal/observability"
	"github.com/antoniostano/concierge/internal/project"
	"github.com/antoniostano/concierge/internal/prompt"
	"github.com/antoniostano/concierge/internal/retrieval"
	"github.com/antoniostano/concierge/internal/session"
	"github.com/antoniostano/concierge/internal/transcript"
)

type Outcome string

const (
	OutcomeGreeting      Outcome = "greeting"
	OutcomeInputBlocked  Outcome = "input_blocked"
	OutcomeOutputBlocked Outcome = "output_blocked"
	OutcomeAnswered      Outcome = "answered"
)

const (
	QueryBlockedText    = "Query blocked due to policy."
	ResponseBlockedText = "Response blocked due to policy."
)

const (
	StageGreetingCheck     = "greeting_check"
	StageInputPolicyCheck  = "input_policy_check"
	StageRetrieve          = "retrieve"
	StageGenerate          = "generate"
	StageOutputPolicyCheck = "output_policy_check"
	StageTurnTotal         = "turn_total"
)

const (
	DefaultCallTimeout    = 30 * time.Second
	transcriptSaveTimeout = 2 * time.Second
)

var (
	ErrEmptyQuery    = errors.New("query is empty")
	ErrMissingUserID = errors.New("user id is required")
)

// Request is one inbound turn.
type Request struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	QueryText string `json:"query_text"`
}

// Result is what the user sees for a turn.
type Result struct {
	TurnID         string  `json:"turn_id"`
	DisplayText    string  `json:"display_text"`
	MediaReference *string `json:"media_reference"`
	Outcome        Outcome `json:"outcome"`
}

// Resolver looks up project configuration.
type Resolver interface {
	Resolve(id string) (*project.Config, error)
}

// Orchestrator runs the per-turn pipeline. Turns for one session key are
// serialized through the session lease; turns for different keys run
// independently.
type Orchestrator struct {
	projects    Resolver
	sessions    *session.Store
	scope       session.Scope
	classifier  guardrail.Classifier
	generator   llm.Generator
	transcripts transcript.Store
	metrics     *observability.Metrics
	callTimeout time.Duration

	archiving sync.WaitGroup
}

func NewOrchestrator(
	projects Resolver,
	sessions *session.Store,
	scope session.Scope,
	classifier guardrail.Classifier,
	generator llm.Generator,
	transcripts transcript.Store,
	metrics *observability.Metrics,
	callTimeout time.Duration,
) *Orchestrator {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	if scope == "" {
		scope = session.ScopeProject
	}
	return &Orchestrator{
		projects:    projects,
		sessions:    sessions,
		scope:       scope,
		classifier:  classifier,
		generator:   generator,
		transcripts: transcripts,
		metrics:     metrics,
		callTimeout: callTimeout,
	}
}

func (o *Orchestrator) Sessions() *session.Store { return o.sessions }

func (o *Orchestrator) Scope() session.Scope { return o.scope }

// HandleTurn answers one query. A failed turn leaves the session untouched.
func (o *Orchestrator) HandleTurn(ctx context.Context, req Request) (Result, error) {
	started := time.Now()

	cfg, err := o.projects.Resolve(req.ProjectID)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return Result{}, ErrMissingUserID
	}
	if strings.TrimSpace(req.QueryText) == "" {
		return Result{}, ErrEmptyQuery
	}

	key := o.scope.Key(req.UserID, cfg.ID)
	h, err := o.sessions.Acquire(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("acquire session %s: %w", key, err)
	}
	defer h.Release()

	turnID := uuid.NewString()
	logger := log.With().
		Str("turn_id", turnID).
		Str("project_id", cfg.ID).
		Str("session", key.String()).
		Logger()

	res, err := o.run(ctx, cfg, req.QueryText, toMessages(h.History()))
	if err != nil {
		var se *StageError
		if code := ErrorCode(err); code == CodeCanceled {
			o.metrics.CountSessionEvent("turn_canceled")
			logger.Debug().Err(err).Dur("elapsed", time.Since(started)).Msg("turn canceled")
			return Result{}, err
		} else if errors.As(err, &se) {
			o.metrics.CountProviderError(se.Stage, code)
		}
		logger.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("turn failed")
		return Result{}, err
	}
	res.TurnID = turnID

	h.Append(session.UserTurn(req.QueryText), session.AssistantTurn(res.DisplayText))
	o.metrics.SetActiveSessions(o.sessions.ActiveCount())

	elapsed := time.Since(started)
	o.metrics.ObserveTurnStage(StageTurnTotal, elapsed)
	o.metrics.CountTurn(cfg.ID, string(res.Outcome))
	logger.Info().
		Str("outcome", string(res.Outcome)).
		Bool("media", res.MediaReference != nil).
		Dur("elapsed", elapsed).
		Msg("turn completed")

	o.archive(transcript.Exchange{
		TurnID:    turnID,
		ProjectID: cfg.ID,
		UserID:    key.UserID,
		Query:     req.QueryText,
		Reply:     res.DisplayText,
		Outcome:   string(res.Outcome),
	})
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, cfg *project.Config, query string, history []llm.Message) (Result, error) {
	var greeting bool
	if err := o.call(ctx, StageGreetingCheck, func(ctx context.Context) (err error) {
		greeting, err = o.classifier.IsGreetingOrVague(ctx, query, history)
		return err
	}); err != nil {
		return Result{}, err
	}
	o.metrics.CountGuardrail(StageGreetingCheck, greeting)
	if greeting {
		return Result{DisplayText: cfg.Greeting, Outcome: OutcomeGreeting}, nil
	}

	var blocked bool
	if err := o.call(ctx, StageInputPolicyCheck, func(ctx context.Context) (err error) {
		blocked, err = o.classifier.ViolatesPolicy(ctx, query, history)
		return err
	}); err != nil {
		return Result{}, err
	}
	o.metrics.CountGuardrail(StageInputPolicyCheck, blocked)
	if blocked {
		return Result{DisplayText: QueryBlockedText, Outcome: OutcomeInputBlocked}, nil
	}

	var passages []string
	if err := o.call(ctx, StageRetrieve, func(ctx context.Context) (err error) {
		passages, err = retrieval.Search(ctx, cfg.KnowledgeBase, query, cfg.TopK)
		return err
	}); err != nil {
		return Result{}, err
	}

	rendered, err := prompt.Render(cfg.Template, prompt.Data{
		DisplayName:   cfg.DisplayName,
		Context:       retrieval.JoinContext(passages),
		Query:         query,
		MediaKeywords: cfg.Media.Keywords(),
	})
	if err != nil {
		return Result{}, err
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: rendered})

	var raw string
	if err := o.call(ctx, StageGenerate, func(ctx context.Context) (err error) {
		raw, err = o.generator.Complete(ctx, messages)
		return err
	}); err != nil {
		return Result{}, err
	}

	ext := media.Extract(raw, cfg.Media)
	if ext.Found && !ext.Resolved() {
		log.Debug().Str("project_id", cfg.ID).Str("keyword", ext.Keyword).Msg("media keyword not in map")
	}

	if err := o.call(ctx, StageOutputPolicyCheck, func(ctx context.Context) (err error) {
		blocked, err = o.classifier.ViolatesPolicy(ctx, ext.Text, history)
		return err
	}); err != nil {
		return Result{}, err
	}
	o.metrics.CountGuardrail(StageOutputPolicyCheck, blocked)
	if blocked {
		return Result{DisplayText: ResponseBlockedText, Outcome: OutcomeOutputBlocked}, nil
	}

	res := Result{DisplayText: ext.Text, Outcome: OutcomeAnswered}
	if ext.Resolved() {
		ref := ext.Reference
		res.MediaReference = &ref
	}
	return res, nil
}

// call runs one external call under the per-call deadline.
func (o *Orchestrator) call(ctx context.Context, stage string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	o.metrics.ObserveTurnStage(stage, time.Since(start))
	if err == nil {
		return nil
	}
	// The caller went away; that is not a provider outage.
	if pErr := ctx.Err(); pErr != nil {
		if !errors.Is(err, pErr) {
			err = fmt.Errorf("%w: %w", pErr, err)
		}
		return &StageError{Stage: stage, Err: err}
	}
	if stage == StageRetrieve {
		if !errors.Is(err, retrieval.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", retrieval.ErrUnavailable, err)
		}
	} else if !errors.Is(err, llm.ErrUnavailable) {
		err = fmt.Errorf("%w: %w", llm.ErrUnavailable, err)
	}
	return &StageError{Stage: stage, Err: err}
}

func (o *Orchestrator) archive(ex transcript.Exchange) {
	if o.transcripts == nil {
		return
	}
	o.archiving.Add(1)
	go func() {
		defer o.archiving.Done()
		saveCtx, cancel := context.WithTimeout(context.Background(), transcriptSaveTimeout)
		defer cancel()
		if err := transcript.Archive(saveCtx, o.transcripts, ex); err != nil {
			o.metrics.CountSessionEvent("transcript_save_failed")
			log.Warn().Err(err).Str("turn_id", ex.TurnID).Msg("transcript save failed")
		}
	}()
}

// Close waits for in-flight transcript writes.
func (o *Orchestrator) Close() {
	o.archiving.Wait()
}

func toMessages(turns []session.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: t.Content})
	}
	return out
}
