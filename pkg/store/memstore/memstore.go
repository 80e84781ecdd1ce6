package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/session-sync/pkg/session"
)

// Store keeps session records in process memory. It backs the "memory" store driver and
// the tests; SetUnavailable simulates an unreachable database.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]session.Session
	unavailable bool
	now         func() time.Time

	gets    int
	updates int
}

func New() *Store {
	return &Store{sessions: make(map[string]session.Session), now: time.Now}
}

func (s *Store) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

// Seed inserts a record as-is, replacing any existing one with the same id.
func (s *Store) Seed(rec session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = rec
}

// Delete removes a record, as the external administrative deletion would.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Store) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func (s *Store) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func (s *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.unavailable {
		return session.Session{}, fmt.Errorf("memstore: %w", session.ErrStoreUnavailable)
	}
	rec, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return rec, nil
}

func (s *Store) UpdateSessionFields(_ context.Context, id string, fields session.Fields) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return time.Time{}, fmt.Errorf("memstore: %w", session.ErrStoreUnavailable)
	}
	rec, ok := s.sessions[id]
	if !ok {
		return time.Time{}, session.ErrNotFound
	}
	rec.Apply(fields)
	rec.UpdatedAt = s.now().UTC()
	s.sessions[id] = rec
	s.updates++
	return rec.UpdatedAt, nil
}

func (s *Store) CreateSession(_ context.Context, name, creatorID string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return session.Session{}, fmt.Errorf("memstore: %w", session.ErrStoreUnavailable)
	}
	now := s.now().UTC()
	rec := session.Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatorID: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[rec.ID] = rec
	return rec, nil
}

func (s *Store) ListSessions(_ context.Context) ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, fmt.Errorf("memstore: %w", session.ErrStoreUnavailable)
	}
	out := make([]session.Session, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
