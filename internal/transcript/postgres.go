package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultRecentLimit = 20

var schema = []string{
	`CREATE TABLE IF NOT EXISTS transcript_turns (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		outcome TEXT NOT NULL,
		pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_transcript_turns_conversation
		ON transcript_turns (project_id, user_id, created_at DESC);`,
}

// A retried save of the same record is a no-op.
const insertTurnSQL = `
INSERT INTO transcript_turns (id, turn_id, project_id, user_id, role, content, outcome, pii_redacted, created_at)
VALUES (@id, @turn_id, @project_id, @user_id, @role, @content, @outcome, @pii_redacted, @created_at)
ON CONFLICT (id) DO NOTHING`

// The inner query picks the newest rows; the outer one puts them back in
// conversation order.
const recentTurnsSQL = `
SELECT id, turn_id, project_id, user_id, role, content, outcome, pii_redacted, created_at
FROM (
	SELECT * FROM transcript_turns
	WHERE project_id = $1 AND user_id = $2
	ORDER BY created_at DESC
	LIMIT $3
) newest
ORDER BY created_at ASC`

// PostgresStore archives transcripts in the transcript_turns table.
type PostgresStore struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewPostgresStoreWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

// NewPostgresStoreWithPool shares an existing pool; Close leaves it open.
func NewPostgresStoreWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("transcript schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, rec TurnRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, insertTurnSQL, turnArgs(rec)); err != nil {
		return fmt.Errorf("save turn %s/%s: %w", rec.TurnID, rec.Role, err)
	}
	return nil
}

func turnArgs(rec TurnRecord) pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":           rec.ID,
		"turn_id":      rec.TurnID,
		"project_id":   rec.ProjectID,
		"user_id":      rec.UserID,
		"role":         rec.Role,
		"content":      rec.Content,
		"outcome":      rec.Outcome,
		"pii_redacted": rec.PIIRedacted,
		"created_at":   rec.CreatedAt,
	}
}

func (s *PostgresStore) Recent(ctx context.Context, projectID, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.pool.Query(ctx, recentTurnsSQL, projectID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanTurn)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return out, nil
}

func scanTurn(row pgx.CollectableRow) (TurnRecord, error) {
	var r TurnRecord
	err := row.Scan(&r.ID, &r.TurnID, &r.ProjectID, &r.UserID, &r.Role, &r.Content, &r.Outcome, &r.PIIRedacted, &r.CreatedAt)
	return r, err
}

func (s *PostgresStore) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}
