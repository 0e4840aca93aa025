// Package reference fetches voice samples used to condition cloned
// synthesis.
package reference

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgnsrekt/narrator-go/internal/logging"
)

// DefaultMaxBytes is the largest voice sample accepted.
const DefaultMaxBytes = 10 << 20

var (
	// ErrReferenceAudio is the class of every loader failure.
	ErrReferenceAudio = errors.New("reference audio error")
	// ErrUnreachable is returned when the sample URL cannot be fetched.
	ErrUnreachable = errors.New("reference audio unreachable")
	// ErrEmptyAudio is returned when the sample has zero bytes.
	ErrEmptyAudio = errors.New("reference audio is empty")
	// ErrTooLarge is returned when the sample exceeds the size limit.
	ErrTooLarge = errors.New("reference audio too large")
)

// Payload is a voice sample prepared for inline submission.
type Payload struct {
	Bytes []byte
	// Kind is the sniffed container ("wav", "mp3" or "unknown").
	Kind string
}

// Base64 returns the standard base64 encoding of the sample.
func (p *Payload) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Bytes)
}

// Size returns the sample size in bytes.
func (p *Payload) Size() int {
	return len(p.Bytes)
}

// Loader fetches voice samples over HTTP.
type Loader struct {
	httpClient *http.Client
	maxBytes   int64
	logger     *slog.Logger
}

// NewLoader creates a loader. maxBytes <= 0 selects DefaultMaxBytes and
// timeout <= 0 disables the per-fetch timeout.
func NewLoader(maxBytes int64, timeout time.Duration, logger *slog.Logger) *Loader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Loader{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		logger:     logging.OrDiscard(logger),
	}
}

// Load fetches url into memory. All returned errors wrap ErrReferenceAudio
// and one of ErrUnreachable, ErrEmptyAudio or ErrTooLarge.
func (l *Loader) Load(ctx context.Context, url string) (*Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fail(ErrUnreachable, "invalid url %q: %v", url, err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fail(ErrUnreachable, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fail(ErrUnreachable, "unexpected status %d", resp.StatusCode)
	}

	if resp.ContentLength > l.maxBytes {
		return nil, fail(ErrTooLarge, "%d bytes exceeds limit of %d", resp.ContentLength, l.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, fail(ErrUnreachable, "read body: %v", err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fail(ErrTooLarge, "body exceeds limit of %d bytes", l.maxBytes)
	}
	if len(data) == 0 {
		return nil, fail(ErrEmptyAudio, "zero bytes")
	}

	kind := Sniff(data)
	if kind == "unknown" {
		l.logger.Warn("reference audio has unrecognised signature; forwarding anyway",
			"bytes", len(data),
			"content_type", resp.Header.Get("Content-Type"),
		)
	}

	l.logger.Info("reference audio loaded", "bytes", len(data), "kind", kind)

	return &Payload{Bytes: data, Kind: kind}, nil
}

// Sniff reports the container of data from its leading magic bytes.
func Sniff(data []byte) string {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return "wav"
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return "mp3"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "mp3"
	default:
		return "unknown"
	}
}

func fail(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrReferenceAudio, kind, fmt.Sprintf(format, args...))
}
