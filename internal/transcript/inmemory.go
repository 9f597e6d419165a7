package transcript

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultInMemoryLimit bounds each conversation's log in the in-memory archive.
const DefaultInMemoryLimit = 500

type conversation struct {
	projectID string
	userID    string
}

// InMemoryStore keeps the newest records of every conversation in process
// memory. Older records are dropped once a conversation reaches its limit.
type InMemoryStore struct {
	limit int

	mu   sync.RWMutex
	logs map[conversation][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return NewInMemoryStoreWithLimit(DefaultInMemoryLimit)
}

func NewInMemoryStoreWithLimit(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = DefaultInMemoryLimit
	}
	return &InMemoryStore{limit: limit, logs: make(map[conversation][]TurnRecord)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, rec TurnRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	c := conversation{projectID: rec.ProjectID, userID: rec.UserID}

	s.mu.Lock()
	defer s.mu.Unlock()
	log := append(s.logs[c], rec)
	if over := len(log) - s.limit; over > 0 {
		log = slices.Delete(log, 0, over)
	}
	s.logs[c] = log
	return nil
}

// Recent returns up to limit of the newest records, oldest first. A
// non-positive limit returns everything retained.
func (s *InMemoryStore) Recent(_ context.Context, projectID, userID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[conversation{projectID: projectID, userID: userID}]
	if limit > 0 && limit < len(log) {
		log = log[len(log)-limit:]
	}
	return slices.Clone(log), nil
}

func (s *InMemoryStore) Close() error { return nil }
