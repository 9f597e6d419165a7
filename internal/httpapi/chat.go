package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/concierge/internal/dialogue"
	"github.com/antoniostano/concierge/internal/project"
	"github.com/antoniostano/concierge/internal/protocol"
)

const (
	wsReadLimit   = 64 << 10
	wsIdleTimeout = 120 * time.Second
)

// handleChatWS serves one chat connection. Queries on a connection are handled
// in arrival order; the session lease orders them against other connections
// sharing the same history.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.projects.Resolve(chi.URLParam(r, "projectID"))
	if err != nil {
		respondError(w, http.StatusNotFound, dialogue.CodeUnknownProject, err.Error())
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.CountSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 16)
	outbound := make(chan any, 16)

	outbound <- protocol.SystemEvent{
		Type:   protocol.TypeSystemEvent,
		Code:   "greeting",
		Detail: cfg.Greeting,
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		defer close(outbound)
		s.runChat(ctx, cfg, userID, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range outbound {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				// Drain so runChat never blocks on a dead connection.
				for range outbound {
				}
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.CountWSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			parsed = protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			}
		} else if t, ok := messageTypeOf(parsed); ok {
			s.metrics.CountWSMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.CountSessionEvent("ws_disconnected")
}

func (s *Server) runChat(ctx context.Context, cfg *project.Config, userID string, inbound <-chan any, outbound chan<- any) {
	send := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- msg:
			return true
		}
	}

	for msg := range inbound {
		switch m := msg.(type) {
		case protocol.ErrorEvent:
			if !send(m) {
				return
			}
		case protocol.ClientControl:
			ev, err := s.control(ctx, cfg, userID, m)
			if err != nil {
				return
			}
			if !send(ev) {
				return
			}
		case protocol.ClientQuery:
			res, err := s.orchestrator.HandleTurn(ctx, dialogue.Request{
				ProjectID: cfg.ID,
				UserID:    userID,
				QueryText: m.QueryText,
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("project", cfg.ID).Str("user", userID).Msg("chat turn failed")
				code := dialogue.ErrorCode(err)
				if !send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					RequestID: m.RequestID,
					Code:      code,
					Retryable: code == dialogue.CodeRetrieval || code == dialogue.CodeGeneration,
					Detail:    dialogue.UserMessage(err),
				}) {
					return
				}
				continue
			}
			if !send(protocol.TurnResult{
				Type:           protocol.TypeTurnResult,
				RequestID:      m.RequestID,
				TurnID:         res.TurnID,
				DisplayText:    res.DisplayText,
				MediaReference: res.MediaReference,
				Outcome:        string(res.Outcome),
			}) {
				return
			}
		}
	}
}

func (s *Server) control(ctx context.Context, cfg *project.Config, userID string, m protocol.ClientControl) (protocol.SystemEvent, error) {
	switch m.Action {
	case protocol.ActionReset:
		if _, err := s.sessions.Reset(ctx, s.scope.Key(userID, cfg.ID)); err != nil {
			return protocol.SystemEvent{}, err
		}
		s.metrics.SetActiveSessions(s.sessions.ActiveCount())
		s.metrics.CountSessionEvent("reset")
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "session_reset", Detail: cfg.Greeting}, nil
	default:
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "pong"}, nil
	}
}

func messageTypeOf(msg any) (protocol.MessageType, bool) {
	switch m := msg.(type) {
	case protocol.ClientQuery:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TurnResult:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
