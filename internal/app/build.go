package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/concierge/internal/config"
	"github.com/antoniostano/concierge/internal/dialogue"
	"github.com/antoniostano/concierge/internal/guardrail"
	"github.com/antoniostano/concierge/internal/httpapi"
	"github.com/antoniostano/concierge/internal/observability"
	"github.com/antoniostano/concierge/internal/project"
	"github.com/antoniostano/concierge/internal/retrieval"
	"github.com/antoniostano/concierge/internal/session"
	"github.com/antoniostano/concierge/internal/transcript"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Projects     *project.Registry
	Sessions     *session.Store
	Orchestrator *dialogue.Orchestrator
	Metrics      *observability.Metrics

	// Cleanup waits for pending transcript writes and releases the database pool.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	scope, err := session.ParseScope(cfg.SessionScope)
	if err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, err = retrieval.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres init failed: %w", err)
		}
	}
	closePool := func() {
		if pool != nil {
			pool.Close()
		}
	}

	providers, err := resolveProviders(ctx, cfg)
	if err != nil {
		closePool()
		return nil, err
	}

	registry, err := project.Load(ctx, cfg.ProjectsFile, retrieval.Opener{
		Embedder: providers.embedder,
		Pool:     pool,
	})
	if err != nil {
		closePool()
		return nil, fmt.Errorf("project bundle load failed: %w", err)
	}

	transcripts, err := transcript.NewStore(ctx, pool)
	if err != nil {
		closePool()
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	sessions := session.NewStore(cfg.SessionHistoryCapacity, cfg.SessionIdleTTL)
	sessions.SetExpireHook(func(info session.Info) {
		metrics.CountSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
		log.Debug().Str("session", info.Key.String()).Int("turns", info.Turns).Msg("session expired")
	})

	orchestrator := dialogue.NewOrchestrator(
		registry,
		sessions,
		scope,
		guardrail.NewLLMClassifier(providers.generator, metrics),
		providers.generator,
		transcripts,
		metrics,
		cfg.TurnCallTimeout,
	)

	api := httpapi.New(cfg, registry, sessions, scope, orchestrator, transcripts, metrics)

	cleanup := func() error {
		orchestrator.Close()
		var errs []string
		if err := transcripts.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		closePool()
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	log.Info().
		Str("llm", providers.detail).
		Str("session_scope", string(scope)).
		Int("projects", registry.Len()).
		Bool("postgres", pool != nil).
		Msg("concierge initialized")

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Projects:     registry,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

// StartBackground runs the session janitor until ctx ends.
func (b *BuildResult) StartBackground(ctx context.Context) {
	b.Sessions.StartJanitor(ctx, janitorInterval(b.Config.SessionIdleTTL))
}

func janitorInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	if iv := ttl / 4; iv < 5*time.Second {
		return iv
	}
	return 5 * time.Second
}
