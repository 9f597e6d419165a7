package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresIndex searches a pgvector table shared by all projects, partitioned
// by collection name.
type PostgresIndex struct {
	pool       *pgxpool.Pool
	collection string
	embedder   Embedder
}

func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS kb_passages (
			collection TEXT NOT NULL,
			position INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector NOT NULL,
			PRIMARY KEY (collection, position)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// OpenPostgresIndex checks that the collection exists before returning it.
func OpenPostgresIndex(ctx context.Context, pool *pgxpool.Pool, collection string, embedder Embedder) (*PostgresIndex, error) {
	if pool == nil {
		return nil, errors.New("pgvector backend requires DATABASE_URL")
	}
	if embedder == nil {
		return nil, errors.New("pgvector backend requires an embedding provider")
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return nil, errors.New("pgvector backend requires a collection name")
	}

	var count int
	if err := pool.QueryRow(ctx,
		`SELECT count(*) FROM kb_passages WHERE collection=$1`,
		collection,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("count collection %s: %w", collection, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("collection %s is empty or missing", collection)
	}
	return &PostgresIndex{pool: pool, collection: collection, embedder: embedder}, nil
}

func (p *PostgresIndex) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT content, 1 - (embedding <=> $2::vector) AS score
		 FROM kb_passages WHERE collection=$1
		 ORDER BY embedding <=> $2::vector, position
		 LIMIT $3`,
		p.collection,
		vectorLiteral(vec),
		k,
	)
	if err != nil {
		return nil, fmt.Errorf("query passages: %w", err)
	}
	defer rows.Close()

	out := make([]Passage, 0, k)
	for rows.Next() {
		var item Passage
		if err := rows.Scan(&item.Text, &item.Score); err != nil {
			return nil, fmt.Errorf("scan passage row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passage rows: %w", err)
	}
	return out, nil
}

// vectorLiteral renders v in pgvector's text input format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
