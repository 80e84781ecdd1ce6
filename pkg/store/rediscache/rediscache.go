package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/astromechza/session-sync/pkg/session"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Store caches session records from an inner store in redis. Writes go to the inner store
// first and then drop the cached copy. Redis failures never fail a call; the inner store
// is used directly instead. Cached reads can trail a deletion by up to the TTL, so loads
// that decide whether a session exists go through Primary.
type Store struct {
	inner  session.Store
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func Dial(ctx context.Context, inner session.Store, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return New(inner, client, opts.Prefix, opts.TTL), nil
}

func New(inner session.Store, client *redis.Client, prefix string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{inner: inner, client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Primary is the store behind the cache.
func (s *Store) Primary() session.Store {
	return s.inner
}

func (s *Store) key(id string) string {
	return s.prefix + "session:" + id
}

// expiry spreads expirations out so cached sessions do not all miss at once.
func (s *Store) expiry() time.Duration {
	return s.ttl + time.Duration(rand.Int63n(int64(s.ttl/10)+1))
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == nil {
		var out session.Session
		if err := json.Unmarshal(raw, &out); err == nil {
			return out, nil
		}
		slog.Warn("discarding unreadable cached session", "session", id)
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("redis read failed, using store", "session", id, "err", err)
	}

	out, err := s.inner.GetSession(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	s.put(ctx, out)
	return out, nil
}

func (s *Store) UpdateSessionFields(ctx context.Context, id string, fields session.Fields) (time.Time, error) {
	updatedAt, err := s.inner.UpdateSessionFields(ctx, id, fields)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.drop(ctx, id)
		}
		return time.Time{}, err
	}
	s.drop(ctx, id)
	return updatedAt, nil
}

func (s *Store) drop(ctx context.Context, id string) {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		slog.Warn("failed to invalidate cached session", "session", id, "err", err)
	}
}

func (s *Store) CreateSession(ctx context.Context, name, creatorID string) (session.Session, error) {
	out, err := s.inner.CreateSession(ctx, name, creatorID)
	if err != nil {
		return session.Session{}, err
	}
	s.put(ctx, out)
	return out, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]session.Session, error) {
	return s.inner.ListSessions(ctx)
}

func (s *Store) put(ctx context.Context, rec session.Session) {
	raw, err := json.Marshal(rec)
	if err != nil {
		slog.Error("failed to encode session for cache", "session", rec.ID, "err", err)
		return
	}
	if err := s.client.Set(ctx, s.key(rec.ID), raw, s.expiry()).Err(); err != nil {
		slog.Warn("failed to cache session", "session", rec.ID, "err", err)
	}
}
