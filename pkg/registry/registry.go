package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/astromechza/session-sync/pkg/session"
)

// Registry indexes the hot sessions of this process. It is the source of truth for reads
// and writes while a session is loaded; the durable store only trails it.
type Registry struct {
	store       session.Store
	now         func() time.Time
	loadTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]*Entry
	loads   singleflight.Group
}

type Option func(*Registry)

// WithLoadTimeout bounds a cold load. Loads are shared between callers, so no single
// caller's context decides when one gives up.
func WithLoadTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.loadTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func New(store session.Store, opts ...Option) *Registry {
	r := &Registry{
		store:       session.PrimaryOf(store),
		now:         time.Now,
		loadTimeout: time.Second * 10,
		entries:     make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PersistHandle identifies one accepted field mutation that still has to reach the store.
type PersistHandle struct {
	SessionID string
	Field     session.Field
	Version   uint64
}

func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// EnsureLoaded returns the hot entry for id, loading it from the store when needed.
// Concurrent callers for the same id share a single load. A caller whose ctx ends stops
// waiting without failing the others.
func (r *Registry) EnsureLoaded(ctx context.Context, id string) (*Entry, error) {
	if e, ok := r.Get(id); ok {
		return hotEntry(id, e)
	}
	ch := r.loads.DoChan(id, func() (any, error) {
		if e, ok := r.Get(id); ok {
			return e, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTimeout)
		defer cancel()
		rec, err := r.store.GetSession(loadCtx, id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return nil, fmt.Errorf("failed to load session %s: %w", id, session.ErrNotFound)
			}
			if errors.Is(err, session.ErrStoreUnavailable) {
				return nil, fmt.Errorf("failed to load session %s: %w", id, err)
			}
			return nil, fmt.Errorf("failed to load session %s: %w: %w", id, session.ErrStoreUnavailable, err)
		}
		return r.install(rec), nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("shared session load", "session", id)
		}
		return hotEntry(id, res.Val.(*Entry))
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to load session %s: %w", id, ctx.Err())
	}
}

func hotEntry(id string, e *Entry) (*Entry, error) {
	if e.Deleted() {
		return nil, fmt.Errorf("failed to load session %s: %w", id, session.ErrNotFound)
	}
	return e, nil
}

// Put makes a freshly created session hot. An entry that is already loaded wins.
func (r *Registry) Put(rec session.Session) *Entry {
	return r.install(rec)
}

func (r *Registry) install(rec session.Session) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[rec.ID]; ok {
		return e
	}
	e := newEntry(rec, r.now())
	r.entries[rec.ID] = e
	slog.Info("session loaded", "session", rec.ID, "hot", len(r.entries))
	return e
}

func (r *Registry) lookup(id string) (*Entry, error) {
	e, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotHot, id)
	}
	return e, nil
}

// ApplyFieldUpdate overwrites one field of the hot copy. Whoever applies last wins.
// The returned handle must be passed to Settle once persistence finished or was abandoned.
func (r *Registry) ApplyFieldUpdate(id string, field session.Field, value string) (PersistHandle, error) {
	var fields session.Fields
	if err := fields.Set(field, value); err != nil {
		return PersistHandle{}, err
	}
	e, err := r.lookup(id)
	if err != nil {
		return PersistHandle{}, err
	}
	now := r.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return PersistHandle{}, fmt.Errorf("%w: %s", session.ErrEvicted, id)
	}
	e.record.Apply(fields)
	if now.After(e.record.UpdatedAt) {
		e.record.UpdatedAt = now
	}
	e.lastActive = now
	e.version++
	e.pending++
	return PersistHandle{SessionID: id, Field: field, Version: e.version}, nil
}

// FullWrite returns a handle for writing every field of a hot session, used to flush
// sessions left dirty by failed writes.
func (r *Registry) FullWrite(id string) (PersistHandle, error) {
	e, err := r.lookup(id)
	if err != nil {
		return PersistHandle{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending++
	return PersistHandle{SessionID: id, Version: e.version}, nil
}

// PersistFields returns what has to be written for h: just the mutated field with its
// current value, or every field when an earlier write for the session failed.
func (r *Registry) PersistFields(h PersistHandle) (session.Fields, bool, error) {
	e, err := r.lookup(h.SessionID)
	if err != nil {
		return session.Fields{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return session.Fields{}, false, fmt.Errorf("%w: %s", session.ErrNotFound, h.SessionID)
	}
	if e.dirty || h.Field == "" {
		return e.record.AllFields(), true, nil
	}
	// copies, the record keeps changing after the lock is released
	all := e.record.AllFields()
	var fields session.Fields
	switch h.Field {
	case session.FieldText:
		fields.Text = all.Text
	case session.FieldCode:
		fields.Code = all.Code
	case session.FieldImage:
		fields.ImageURL = all.ImageURL
	default:
		return session.Fields{}, false, fmt.Errorf("%w: %q", session.ErrUnknownField, h.Field)
	}
	return fields, false, nil
}

// Settle records the outcome of persisting h. A failed write marks the session dirty so
// the next write carries every field. A successful full write clears the mark. A session
// the store no longer has is tombstoned: it is never written again and can be evicted.
func (r *Registry) Settle(h PersistHandle, full bool, updatedAt time.Time, persistErr error) {
	e, ok := r.Get(h.SessionID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending > 0 {
		e.pending--
	}
	if errors.Is(persistErr, session.ErrNotFound) {
		if !e.deleted {
			slog.Warn("session was deleted from the store, no longer persisting it", "session", h.SessionID)
		}
		e.deleted = true
		e.dirty = false
		return
	}
	if persistErr != nil {
		e.dirty = true
		return
	}
	if full {
		e.dirty = false
	}
	if updatedAt.After(e.record.UpdatedAt) {
		e.record.UpdatedAt = updatedAt
	}
}

// MarkDirty flags a session whose latest values are known not to be persisted.
func (r *Registry) MarkDirty(id string) {
	if e, ok := r.Get(id); ok {
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
	}
}

// Dirty lists the ids of sessions whose last write failed.
func (r *Registry) Dirty() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for id, e := range r.entries {
		e.mu.Lock()
		if e.dirty {
			out = append(out, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// AddParticipant registers p in the session's connected set, keyed by connection id.
func (r *Registry) AddParticipant(id string, p session.Participant) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return fmt.Errorf("%w: %s", session.ErrEvicted, id)
	}
	e.participants[p.ConnectionID] = p
	e.lastActive = r.now()
	return nil
}

// RemoveParticipant drops a connection from the session. Absent connections are a no-op.
func (r *Registry) RemoveParticipant(id, connectionID string) (session.Participant, bool) {
	e, ok := r.Get(id)
	if !ok {
		return session.Participant{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.participants[connectionID]
	if !ok {
		return session.Participant{}, false
	}
	delete(e.participants, connectionID)
	e.lastActive = r.now()
	return p, true
}

func (r *Registry) Snapshot(id string) (session.Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return e.Snapshot(), nil
}

func (r *Registry) Participants(id string) []session.Participant {
	e, ok := r.Get(id)
	if !ok {
		return nil
	}
	return e.Participants()
}

// Evict unloads sessions nobody is connected to, with nothing left to persist, that have
// been idle for at least idleFor. It returns the evicted ids.
func (r *Registry) Evict(idleFor time.Duration) []string {
	cutoff := r.now().Add(-idleFor)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := make([]string, 0)
	for id, e := range r.entries {
		e.mu.Lock()
		if len(e.participants) == 0 && e.pending == 0 && !e.dirty && !e.lastActive.After(cutoff) {
			e.evicted = true
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(evicted)
	return evicted
}
