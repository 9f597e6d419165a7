package transcript

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore creates a postgres-backed archive when a pool is available, otherwise in-memory.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	if pool == nil {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStoreWithPool(ctx, pool)
}
