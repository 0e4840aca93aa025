// Package relay is the HTTP client for the narrator service. It submits
// narration text, follows the server-sent progress stream, and looks up
// recorded renders.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dgnsrekt/narrator-go/internal/ledger"
	"github.com/dgnsrekt/narrator-go/internal/logging"
	"github.com/dgnsrekt/narrator-go/internal/progress"
)

var (
	// ErrNarrationFailed is returned when the stream ends with an error event,
	// or ends without any terminal event.
	ErrNarrationFailed = errors.New("narration failed")
	// ErrRequestRejected is returned for non-2xx responses.
	ErrRequestRejected = errors.New("request rejected")
)

// NarrationRequest represents the request body for POST /v1/narrations.
type NarrationRequest struct {
	Text              string `json:"text"`
	ReferenceAudioURL string `json:"reference_audio_url,omitempty"`
	Stream            bool   `json:"stream"`
}

// errorResponse is the body of a rejected request.
type errorResponse struct {
	Error string `json:"error"`
}

// Client talks to a narrator service.
type Client struct {
	cfg        *Config
	logger     *slog.Logger
	httpClient *http.Client
}

// NewClient creates a new narrator client. Request lifetimes are bounded by
// the caller's context rather than a client timeout, since a streamed render
// may run for many minutes.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		logger:     logging.OrDiscard(logger),
		httpClient: &http.Client{},
	}
}

// Narrate submits text for streaming narration and blocks until the stream
// ends. onProgress, if non-nil, receives every event including the terminal
// one. On success the complete event is returned.
func (c *Client) Narrate(ctx context.Context, text string, onProgress func(progress.Event)) (progress.Event, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(NarrationRequest{
		Text:              text,
		ReferenceAudioURL: c.cfg.ReferenceURL,
		Stream:            true,
	})
	if err != nil {
		return progress.Event{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/narrations", bytes.NewReader(body))
	if err != nil {
		return progress.Event{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return progress.Event{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return progress.Event{}, err
	}

	renderID := resp.Header.Get("X-Render-ID")
	c.logger.Info("narration started", "render_id", renderID, "text_length", len(text))

	final, err := progress.Read(resp.Body, func(ev progress.Event) {
		c.logger.Debug("narration event", "render_id", renderID, "event", ev.String())
		if onProgress != nil {
			onProgress(ev)
		}
	})
	if err != nil {
		return progress.Event{}, err
	}

	if final.Type != progress.TypeComplete {
		c.logger.Error("narration failed", "render_id", renderID, "error", final.Error)
		return final, fmt.Errorf("%w: %s", ErrNarrationFailed, final.Error)
	}

	c.logger.Info("narration complete",
		"render_id", renderID,
		"url", final.AudioURL,
		"duration_s", final.Duration,
		"bytes", final.Size,
	)
	return final, nil
}

// Render fetches a recorded render by id.
func (c *Client) Render(ctx context.Context, id string) (*ledger.Render, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/narrations/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var render ledger.Render
	if err := json.NewDecoder(resp.Body).Decode(&render); err != nil {
		return nil, fmt.Errorf("failed to decode render: %w", err)
	}
	return &render, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := strings.TrimSuffix(c.cfg.NarratorURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
	return req, nil
}

// checkStatus converts a non-2xx response into ErrRequestRejected, using the
// server's error message when the body carries one.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var body errorResponse
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return fmt.Errorf("%w: status %d: %s", ErrRequestRejected, resp.StatusCode, msg)
}
