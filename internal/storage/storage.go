// Package storage hands finished audio to blob storage and returns the
// public URL it is served from.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dgnsrekt/narrator-go/internal/logging"
)

// ErrUploadFailed wraps every storage failure.
var ErrUploadFailed = errors.New("upload failed")

// Uploader stores a blob and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) (string, error)
}

// NarrationPath returns the object path for a render's audio.
func NarrationPath(renderID string) string {
	return path.Join("narrations", renderID+".wav")
}

// Local stores blobs under a directory and serves them from BaseURL.
type Local struct {
	dir     string
	baseURL string
	logger  *slog.Logger
}

var _ Uploader = (*Local)(nil)

// NewLocal creates the storage directory if needed.
func NewLocal(dir, baseURL string, logger *slog.Logger) (*Local, error) {
	if dir == "" {
		return nil, errors.New("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Local{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logging.OrDiscard(logger),
	}, nil
}

// Upload writes data atomically: readers never observe a partial file.
// The content type is implied by the object's extension when served.
func (l *Local) Upload(ctx context.Context, objectPath string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	clean, err := cleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(l.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: write %s: %w", ErrUploadFailed, clean, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	publicURL := l.URL(clean)
	l.logger.Info("stored object",
		"path", clean,
		"bytes", len(data),
		"content_type", contentType,
		"url", publicURL,
	)
	return publicURL, nil
}

// URL returns the public URL of an object path.
func (l *Local) URL(objectPath string) string {
	segments := strings.Split(objectPath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return l.baseURL + "/" + strings.Join(segments, "/")
}

// Handler serves stored objects. Mount it under the path component of the
// base URL with http.StripPrefix.
func (l *Local) Handler() http.Handler {
	return http.FileServer(http.Dir(l.dir))
}

func cleanObjectPath(p string) (string, error) {
	clean := path.Clean("/" + p)[1:]
	if clean == "" || clean != strings.TrimPrefix(p, "/") {
		return "", fmt.Errorf("%w: invalid object path %q", ErrUploadFailed, p)
	}
	return clean, nil
}
