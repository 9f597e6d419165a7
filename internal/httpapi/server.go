package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/concierge/internal/config"
	"github.com/antoniostano/concierge/internal/dialogue"
	"github.com/antoniostano/concierge/internal/observability"
	"github.com/antoniostano/concierge/internal/project"
	"github.com/antoniostano/concierge/internal/session"
	"github.com/antoniostano/concierge/internal/transcript"
)

// Orchestrator runs one dialogue turn.
type Orchestrator interface {
	HandleTurn(ctx context.Context, req dialogue.Request) (dialogue.Result, error)
}

// Projects is the read side of the project registry.
type Projects interface {
	Resolve(id string) (*project.Config, error)
	List() []project.Summary
}

type Server struct {
	cfg          config.Config
	projects     Projects
	sessions     *session.Store
	scope        session.Scope
	orchestrator Orchestrator
	transcripts  transcript.Store
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(
	cfg config.Config,
	projects Projects,
	sessions *session.Store,
	scope session.Scope,
	orchestrator Orchestrator,
	transcripts transcript.Store,
	metrics *observability.Metrics,
) *Server {
	s := &Server{
		cfg:          cfg,
		projects:     projects,
		sessions:     sessions,
		scope:        scope,
		orchestrator: orchestrator,
		transcripts:  transcripts,
		metrics:      metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/projects", s.handleListProjects)
	r.Route("/v1/projects/{projectID}", func(r chi.Router) {
		r.Post("/turns", s.handleTurn)
		r.Get("/chat/ws", s.handleChatWS)
		r.Get("/sessions/{userID}", s.handleGetSession)
		r.Delete("/sessions/{userID}", s.handleResetSession)
		r.Get("/transcripts/{userID}", s.handleTranscript)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	projects := s.projects.List()
	status, code := "ready", http.StatusOK
	if len(projects) == 0 || s.orchestrator == nil {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":   status,
		"projects": len(projects),
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"projects": s.projects.List()})
}

type turnRequest struct {
	UserID    string `json:"user_id"`
	QueryText string `json:"query_text"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, dialogue.CodeInvalidRequest, "request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, dialogue.CodeInvalidRequest, err.Error())
		return
	}

	res, err := s.orchestrator.HandleTurn(r.Context(), dialogue.Request{
		ProjectID: chi.URLParam(r, "projectID"),
		UserID:    req.UserID,
		QueryText: req.QueryText,
	})
	if err != nil {
		s.respondTurnError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) respondTurnError(w http.ResponseWriter, r *http.Request, err error) {
	code := dialogue.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case dialogue.CodeUnknownProject:
		status = http.StatusNotFound
	case dialogue.CodeInvalidRequest:
		status = http.StatusBadRequest
	case dialogue.CodeRetrieval, dialogue.CodeGeneration:
		status = http.StatusServiceUnavailable
	case dialogue.CodeCanceled:
		status = 499
	}
	if status >= 500 {
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("turn request failed")
	}
	respondJSON(w, status, turnErrorResponse{
		Code:        code,
		DisplayText: dialogue.UserMessage(err),
	})
}

type turnErrorResponse struct {
	Code        string `json:"code"`
	DisplayText string `json:"display_text"`
}

type sessionResponse struct {
	Key      session.Key    `json:"key"`
	Capacity int            `json:"capacity"`
	Turns    []session.Turn `json:"turns"`
}

func (s *Server) sessionKey(w http.ResponseWriter, r *http.Request) (session.Key, bool) {
	cfg, err := s.projects.Resolve(chi.URLParam(r, "projectID"))
	if err != nil {
		respondError(w, http.StatusNotFound, dialogue.CodeUnknownProject, err.Error())
		return session.Key{}, false
	}
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, dialogue.CodeInvalidRequest, "missing user id")
		return session.Key{}, false
	}
	return s.scope.Key(userID, cfg.ID), true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{
		Key:      key,
		Capacity: s.sessions.Capacity(),
		Turns:    s.sessions.Snapshot(key),
	})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	existed, err := s.sessions.Reset(r.Context(), key)
	if err != nil {
		respondError(w, 499, dialogue.CodeCanceled, err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.CountSessionEvent("reset")
	respondJSON(w, http.StatusOK, map[string]any{"key": key, "reset": existed})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.projects.Resolve(chi.URLParam(r, "projectID"))
	if err != nil {
		respondError(w, http.StatusNotFound, dialogue.CodeUnknownProject, err.Error())
		return
	}
	if s.transcripts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript archive not configured")
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			respondError(w, http.StatusBadRequest, dialogue.CodeInvalidRequest, "limit must be in [1,200]")
			return
		}
		limit = n
	}

	records, err := s.transcripts.Recent(r.Context(), cfg.ID, strings.TrimSpace(chi.URLParam(r, "userID")), limit)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "transcript_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []transcript.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin.
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

const wsWriteTimeout = 10 * time.Second
