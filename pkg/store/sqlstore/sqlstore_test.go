package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/session-sync/pkg/session"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "sessions.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, "Interview", "op-1")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := s.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)
	assert.Nil(t, got.ImageURL)
	assert.Equal(t, "", got.TextContent)
}

func TestGetUnknown(t *testing.T) {
	s := openTemp(t)
	_, err := s.GetSession(context.Background(), "nope")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestUpdateSessionFieldsPartial(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	created, err := s.CreateSession(ctx, "S", "")
	require.NoError(t, err)

	s.now = func() time.Time { return created.UpdatedAt.Add(time.Minute) }
	var fields session.Fields
	require.NoError(t, fields.Set(session.FieldCode, "package main"))
	updatedAt, err := s.UpdateSessionFields(ctx, created.ID, fields)
	require.NoError(t, err)
	assert.True(t, updatedAt.After(created.UpdatedAt))

	fields = session.Fields{}
	require.NoError(t, fields.Set(session.FieldImage, "https://blobs/a.png"))
	_, err = s.UpdateSessionFields(ctx, created.ID, fields)
	require.NoError(t, err)

	got, err := s.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "package main", got.CodeContent)
	assert.Equal(t, "", got.TextContent)
	require.NotNil(t, got.ImageURL)
	assert.Equal(t, "https://blobs/a.png", *got.ImageURL)

	fields = session.Fields{}
	require.NoError(t, fields.Set(session.FieldImage, ""))
	_, err = s.UpdateSessionFields(ctx, created.ID, fields)
	require.NoError(t, err)
	got, err = s.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ImageURL)
}

func TestUpdatedAtNeverMovesBackwards(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	created, err := s.CreateSession(ctx, "S", "")
	require.NoError(t, err)

	s.now = func() time.Time { return created.UpdatedAt.Add(-time.Hour) }
	text := "x"
	_, err = s.UpdateSessionFields(ctx, created.ID, session.Fields{Text: &text})
	require.NoError(t, err)
	got, err := s.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.UpdatedAt, got.UpdatedAt)
}

func TestUpdateUnknown(t *testing.T) {
	s := openTemp(t)
	text := "x"
	_, err := s.UpdateSessionFields(context.Background(), "nope", session.Fields{Text: &text})
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Hour)
		s.now = func() time.Time { return at }
		_, err := s.CreateSession(ctx, name, "")
		require.NoError(t, err)
	}
	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{list[0].Name, list[1].Name, list[2].Name})
}
