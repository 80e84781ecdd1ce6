package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/session-sync/pkg/session"
)

// Store keeps session records in a sqlite database.
type Store struct {
	database *sql.DB
	now      func() time.Time
}

// Open opens (creating if needed) the sqlite database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	slog.Info("Opening database", "path", path)
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{database: db, now: time.Now}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS sessions (
		id text not null primary key,
		name text not null,
		creator_id text not null default '',
		text_content text not null default '',
		code_content text not null default '',
		image_url text,
		created_at integer not null,
		updated_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	slog.Info("Ensured initial tables exist")
	return nil
}

const selectColumns = `SELECT id, name, creator_id, text_content, code_content, image_url, created_at, updated_at FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (session.Session, error) {
	var (
		out       session.Session
		image     sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&out.ID, &out.Name, &out.CreatorID, &out.TextContent, &out.CodeContent, &image, &createdAt, &updatedAt); err != nil {
		return session.Session{}, err
	}
	if image.Valid {
		out.ImageURL = &image.String
	}
	out.CreatedAt = time.UnixMicro(createdAt).UTC()
	out.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return out, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	out, err := scanSession(s.database.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("failed to query session: %w: %w", session.ErrStoreUnavailable, err)
	}
	return out, nil
}

func (s *Store) UpdateSessionFields(ctx context.Context, id string, fields session.Fields) (time.Time, error) {
	updatedAt := s.now().UTC()
	image := sql.NullString{}
	if fields.ImageURL != nil && *fields.ImageURL != "" {
		image = sql.NullString{String: *fields.ImageURL, Valid: true}
	}
	res, err := s.database.ExecContext(ctx,
		`UPDATE sessions SET
		text_content = CASE WHEN ? THEN ? ELSE text_content END,
		code_content = CASE WHEN ? THEN ? ELSE code_content END,
		image_url = CASE WHEN ? THEN ? ELSE image_url END,
		updated_at = MAX(updated_at, ?)
		WHERE id = ?`,
		fields.Text != nil, deref(fields.Text),
		fields.Code != nil, deref(fields.Code),
		fields.ImageURL != nil, image,
		updatedAt.UnixMicro(),
		id,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to update session: %w: %w", session.ErrStoreUnavailable, err)
	}
	if r, err := res.RowsAffected(); err != nil {
		return time.Time{}, fmt.Errorf("failed to count rows affected by session update: %w", err)
	} else if r == 0 {
		return time.Time{}, session.ErrNotFound
	}
	return updatedAt, nil
}

func (s *Store) CreateSession(ctx context.Context, name, creatorID string) (session.Session, error) {
	now := s.now().UTC()
	out := session.Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatorID: creatorID,
		CreatedAt: now.Truncate(time.Microsecond),
		UpdatedAt: now.Truncate(time.Microsecond),
	}
	if _, err := s.database.ExecContext(ctx,
		`INSERT INTO sessions (id, name, creator_id, text_content, code_content, image_url, created_at, updated_at) VALUES (?, ?, ?, '', '', NULL, ?, ?)`,
		out.ID, out.Name, out.CreatorID, out.CreatedAt.UnixMicro(), out.UpdatedAt.UnixMicro(),
	); err != nil {
		return session.Session{}, fmt.Errorf("failed to insert session: %w: %w", session.ErrStoreUnavailable, err)
	}
	return out, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]session.Session, error) {
	res, err := s.database.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w: %w", session.ErrStoreUnavailable, err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close", "err", err)
		}
	}(res)
	out := make([]session.Session, 0)
	for res.Next() {
		rec, err := scanSession(res)
		if err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate: %w", err)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
