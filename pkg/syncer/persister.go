package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/session-sync/pkg/registry"
	"github.com/astromechza/session-sync/pkg/session"
)

var errQueueFull = errors.New("persist queue full")

// Persister writes accepted mutations to the durable store on a single background worker,
// so writes for a session reach the store in the order they were accepted. Failed writes
// are logged and leave the session dirty; the next write for it carries every field.
type Persister struct {
	registry *registry.Registry
	store    session.Store
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan registry.PersistHandle
	done   chan struct{}
}

type PersisterOption func(*Persister)

func WithQueueSize(n int) PersisterOption {
	return func(p *Persister) {
		if n > 0 {
			p.queue = make(chan registry.PersistHandle, n)
		}
	}
}

func WithWriteTimeout(d time.Duration) PersisterOption {
	return func(p *Persister) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewPersister(reg *registry.Registry, store session.Store, opts ...PersisterOption) *Persister {
	p := &Persister{
		registry: reg,
		store:    store,
		timeout:  time.Second * 10,
		queue:    make(chan registry.PersistHandle, 1024),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Schedule queues h without blocking. When the queue is full the session is marked
// dirty instead and gets written in full with its next mutation.
func (p *Persister) Schedule(h registry.PersistHandle) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.registry.Settle(h, false, time.Time{}, errQueueFull)
		return
	}
	select {
	case p.queue <- h:
	default:
		slog.Warn("persist queue full, deferring write", "session", h.SessionID, "field", h.Field)
		p.registry.Settle(h, false, time.Time{}, errQueueFull)
	}
}

func (p *Persister) run() {
	defer close(p.done)
	for h := range p.queue {
		_ = p.persist(h)
	}
}

func (p *Persister) persist(h registry.PersistHandle) error {
	fields, full, err := p.registry.PersistFields(h)
	if errors.Is(err, session.ErrNotFound) {
		p.registry.Settle(h, full, time.Time{}, err)
		slog.Debug("skipping write for deleted session", "session", h.SessionID, "field", h.Field)
		return nil
	} else if err != nil {
		slog.Error("failed to prepare session write", "session", h.SessionID, "err", err)
		p.registry.Settle(h, full, time.Time{}, err)
		return err
	}
	// not derived from any connection: a disconnect must not cancel the write
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	updatedAt, err := p.store.UpdateSessionFields(ctx, h.SessionID, fields)
	p.registry.Settle(h, full, updatedAt, err)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	} else if err != nil {
		slog.Error("failed to persist session", "session", h.SessionID, "field", h.Field, "full", full, "err", err)
		return err
	}
	slog.Debug("persisted session", "session", h.SessionID, "field", h.Field, "full", full, "version", h.Version)
	return nil
}

// Flush writes every dirty session in full, once.
func (p *Persister) Flush() error {
	var errs []error
	for _, id := range p.registry.Dirty() {
		h, err := p.registry.FullWrite(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.persist(h); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush session %s: %w", id, err))
		} else {
			slog.Info("flushed session", "session", id)
		}
	}
	return errors.Join(errs...)
}

// Close stops accepting work, drains the queue and flushes dirty sessions.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
	case <-ctx.Done():
		return fmt.Errorf("failed to drain persist queue: %w", ctx.Err())
	}
	return p.Flush()
}
