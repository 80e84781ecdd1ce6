package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/session-sync/pkg/session"
)

// smallest valid png header is enough for content sniffing
var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

func TestUploadIsContentAddressed(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, "http://localhost:8080/")
	require.NoError(t, err)

	u1, err := fs.Upload(context.Background(), pngBytes)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u1, "http://localhost:8080/blobs/"))
	assert.True(t, strings.HasSuffix(u1, ".png"))

	u2, err := fs.Upload(context.Background(), pngBytes)
	require.NoError(t, err)
	assert.Equal(t, u1, u2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, raw)
}

func TestUploadRejects(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "")
	require.NoError(t, err)

	_, err = fs.Upload(context.Background(), nil)
	require.ErrorIs(t, err, session.ErrUploadFailed)

	_, err = fs.Upload(context.Background(), []byte("just some text"))
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestUploadFailsOnUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, "")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	_, err = fs.Upload(context.Background(), pngBytes)
	require.ErrorIs(t, err, session.ErrUploadFailed)
}
