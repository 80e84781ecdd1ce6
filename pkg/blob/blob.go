package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/astromechza/session-sync/pkg/session"
)

var ErrUnsupportedType = errors.New("unsupported content type")

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// FileStore keeps uploaded images in a directory, named by the blake3 hash of their
// content, so the same bytes always map to the same URL.
type FileStore struct {
	dir     string
	baseURL string
}

func NewFileStore(dir, publicBaseURL string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileStore{dir: dir, baseURL: strings.TrimSuffix(publicBaseURL, "/")}, nil
}

func (f *FileStore) Dir() string { return f.dir }

// Upload stores content and returns its public URL.
func (f *FileStore) Upload(_ context.Context, content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("%w: empty upload", session.ErrUploadFailed)
	}
	ext, ok := extensions[http.DetectContentType(content)]
	if !ok {
		return "", ErrUnsupportedType
	}
	sum := blake3.Sum256(content)
	name := hex.EncodeToString(sum[:]) + ext
	target := filepath.Join(f.dir, name)

	if _, err := os.Stat(target); err == nil {
		return f.url(name), nil
	}
	tmp, err := os.CreateTemp(f.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: failed to create temp file: %w", session.ErrUploadFailed, err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("%w: failed to write: %w", session.ErrUploadFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: failed to close: %w", session.ErrUploadFailed, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("%w: failed to rename: %w", session.ErrUploadFailed, err)
	}
	slog.Info("stored blob", "name", name, "bytes", len(content))
	return f.url(name), nil
}

func (f *FileStore) url(name string) string {
	return f.baseURL + "/blobs/" + name
}
