package dialogue

import (
	"context"
	"errors"

	"github.com/antoniostano/concierge/internal/llm"
	"github.com/antoniostano/concierge/internal/project"
	"github.com/antoniostano/concierge/internal/retrieval"
)

// StageError records which external call failed a turn.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

const (
	CodeUnknownProject = "unknown_project"
	CodeInvalidRequest = "invalid_request"
	CodeRetrieval      = "retrieval_unavailable"
	CodeGeneration     = "generation_unavailable"
	CodeCanceled       = "canceled"
	CodeInternal       = "internal"
)

// ErrorCode classifies a turn error for clients and metrics.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, project.ErrUnknownProject):
		return CodeUnknownProject
	case errors.Is(err, ErrEmptyQuery), errors.Is(err, ErrMissingUserID):
		return CodeInvalidRequest
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, retrieval.ErrUnavailable):
		return CodeRetrieval
	case errors.Is(err, llm.ErrUnavailable):
		return CodeGeneration
	default:
		return CodeInternal
	}
}

// UserMessage is the text shown in place of an answer when a turn fails.
// Provider details never reach the user.
func UserMessage(err error) string {
	switch ErrorCode(err) {
	case "":
		return ""
	case CodeUnknownProject:
		return "Sorry, I don't know that project."
	case CodeInvalidRequest:
		if errors.Is(err, ErrEmptyQuery) {
			return "Please type a question."
		}
		return "Please sign in again and retry."
	default:
		return "Sorry, I couldn't answer that right now. Please try again in a moment."
	}
}
