package transcript

import (
	"context"
	"time"

	"github.com/antoniostano/concierge/internal/policy"
)

// TurnRecord stores one side of an archived exchange.
type TurnRecord struct {
	ID          string    `json:"id"`
	TurnID      string    `json:"turn_id"`
	ProjectID   string    `json:"project_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Outcome     string    `json:"outcome"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store archives completed turns. It is append-only and never feeds session history.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	Recent(ctx context.Context, projectID, userID string, limit int) ([]TurnRecord, error)
	Close() error
}

// Exchange is one completed turn as shown to the user.
type Exchange struct {
	TurnID    string
	ProjectID string
	UserID    string
	Query     string
	Reply     string
	Outcome   string
	At        time.Time
}

// Archive redacts PII and saves the user and assistant sides of ex.
func Archive(ctx context.Context, store Store, ex Exchange) error {
	if ex.At.IsZero() {
		ex.At = time.Now().UTC()
	}
	sides := []struct {
		role, content string
		at            time.Time
	}{
		{"user", ex.Query, ex.At},
		{"assistant", ex.Reply, ex.At.Add(time.Microsecond)},
	}
	for _, side := range sides {
		content, changed := policy.RedactPII(side.content)
		if err := store.SaveTurn(ctx, TurnRecord{
			TurnID:      ex.TurnID,
			ProjectID:   ex.ProjectID,
			UserID:      ex.UserID,
			Role:        side.role,
			Content:     content,
			Outcome:     ex.Outcome,
			PIIRedacted: changed,
			CreatedAt:   side.at,
		}); err != nil {
			return err
		}
	}
	return nil
}
