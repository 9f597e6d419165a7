package session

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity keeps the last ten exchanges.
const DefaultCapacity = 20

// Store holds bounded per-key conversation histories in process memory.
//
// Each key carries a lease: whoever holds it is the only writer for that key,
// so a turn that reads the history and later appends its exchange cannot
// interleave with another turn on the same key. Different keys never wait on
// each other; the store mutex only guards the key map.
type Store struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	capacity int
	idleTTL  time.Duration
	onExpire func(Info)
}

type entry struct {
	lease chan struct{}

	mu             sync.Mutex
	history        []Turn
	removed        bool
	createdAt      time.Time
	lastActivityAt time.Time
}

// NewStore creates a store whose histories hold at most capacity turns.
// idleTTL of zero keeps sessions for the life of the process.
func NewStore(capacity int, idleTTL time.Duration) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if idleTTL < 0 {
		idleTTL = 0
	}
	return &Store{
		entries:  make(map[Key]*entry),
		capacity: capacity,
		idleTTL:  idleTTL,
	}
}

func (s *Store) Capacity() int { return s.capacity }

func (s *Store) SetExpireHook(hook func(Info)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = hook
}

// GetOrCreate returns the session for key, creating an empty one if needed.
func (s *Store) GetOrCreate(key Key) Info {
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info(key)
}

// Snapshot returns a copy of the current history for key.
func (s *Store) Snapshot(key Key) []Turn {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return []Turn{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneTurns(e.history)
}

// Append adds turns to key's history under its lease.
func (s *Store) Append(ctx context.Context, key Key, turns ...Turn) error {
	h, err := s.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Append(turns...)
	return nil
}

// Reset clears the history for key once any in-flight turn on it has
// released its lease. It reports whether the session existed.
func (s *Store) Reset(ctx context.Context, key Key) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	select {
	case <-e.lease:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { e.lease <- struct{}{} }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false, nil
	}
	e.history = nil
	e.lastActivityAt = time.Now().UTC()
	return true, nil
}

// Acquire blocks until the caller holds the lease for key or ctx is done.
func (s *Store) Acquire(ctx context.Context, key Key) (*Handle, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e := s.entry(key)
		select {
		case <-e.lease:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		e.mu.Lock()
		removed := e.removed
		e.mu.Unlock()
		if removed {
			// Expired while we waited; the key now maps to a fresh entry.
			e.lease <- struct{}{}
			continue
		}
		return &Handle{store: s, key: key, e: e}, nil
	}
}

func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if s.idleTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.expireInactive()
			}
		}
	}()
}

func (s *Store) expireInactive() {
	now := time.Now().UTC()
	var expired []Info

	s.mu.Lock()
	for key, e := range s.entries {
		select {
		case <-e.lease:
		default:
			// A turn is in flight.
			continue
		}
		e.mu.Lock()
		if now.Sub(e.lastActivityAt) >= s.idleTTL {
			e.removed = true
			expired = append(expired, e.info(key))
			delete(s.entries, key)
		}
		e.mu.Unlock()
		e.lease <- struct{}{}
	}
	hook := s.onExpire
	s.mu.Unlock()

	if hook != nil {
		for _, info := range expired {
			hook(info)
		}
	}
}

func (s *Store) entry(key Key) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		now := time.Now().UTC()
		e = &entry{
			lease:          make(chan struct{}, 1),
			createdAt:      now,
			lastActivityAt: now,
		}
		e.lease <- struct{}{}
		s.entries[key] = e
	}
	return e
}

func (e *entry) info(key Key) Info {
	return Info{
		Key:            key,
		Turns:          len(e.history),
		CreatedAt:      e.createdAt,
		LastActivityAt: e.lastActivityAt,
	}
}

// Handle is an exclusive lease on one session. Release must be called exactly
// once; further calls are no-ops.
type Handle struct {
	store *Store
	key   Key
	e     *entry
	once  sync.Once
}

func (h *Handle) Key() Key { return h.key }

// History returns a copy of the history as of now.
func (h *Handle) History() []Turn {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return cloneTurns(h.e.history)
}

// Append adds turns, evicting the oldest ones beyond the store capacity.
func (h *Handle) Append(turns ...Turn) {
	if len(turns) == 0 {
		return
	}
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	hist := append(h.e.history, turns...)
	if over := len(hist) - h.store.capacity; over > 0 {
		hist = append([]Turn(nil), hist[over:]...)
	}
	h.e.history = hist
	h.e.lastActivityAt = time.Now().UTC()
}

func (h *Handle) Release() {
	h.once.Do(func() {
		h.e.mu.Lock()
		h.e.lastActivityAt = time.Now().UTC()
		h.e.mu.Unlock()
		h.e.lease <- struct{}{}
	})
}

func cloneTurns(in []Turn) []Turn {
	out := make([]Turn, len(in))
	copy(out, in)
	return out
}
