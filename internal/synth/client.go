// Package synth submits narration chunks to an asynchronous speech
// inference backend and polls the resulting jobs to completion.
package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgnsrekt/narrator-go/internal/logging"
	"github.com/dgnsrekt/narrator-go/internal/reference"
	"github.com/dgnsrekt/narrator-go/internal/text"
	"github.com/dgnsrekt/narrator-go/internal/wav"
)

// Polling defaults: 120 attempts at 2s bound each job to about two minutes.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxAttempts  = 120
)

var (
	// ErrSynthesisFailed is returned when the backend reports FAILED or a
	// request to it fails.
	ErrSynthesisFailed = errors.New("synthesis failed")
	// ErrSynthesisTimeout is returned when a job exhausts its poll attempts.
	ErrSynthesisTimeout = errors.New("synthesis timed out")
	// ErrNotConfigured is returned when no backend URL is set.
	ErrNotConfigured = errors.New("inference backend not configured")
)

// Config configures a Client.
type Config struct {
	// BaseURL is the backend root; /run and /status/{id} are appended.
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Prompt is forwarded with every job.
	Prompt       string
	PollInterval time.Duration
	MaxAttempts  int
	// RequestTimeout bounds each individual HTTP request.
	RequestTimeout time.Duration
}

// RunRequest is the body of POST /run.
type RunRequest struct {
	Text                 string `json:"text"`
	Prompt               string `json:"prompt"`
	ReferenceAudioBase64 string `json:"reference_audio_base64,omitempty"`
}

// RunResponse is the body returned by POST /run.
type RunResponse struct {
	ID string `json:"id"`
}

// StatusResponse is the body returned by GET /status/{id}.
type StatusResponse struct {
	ID     string  `json:"id,omitempty"`
	Status State   `json:"status"`
	Output *Output `json:"output,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Output carries a completed job's audio.
type Output struct {
	AudioBase64 string `json:"audio_base64"`
	SampleRate  int    `json:"sample_rate"`
}

// Client talks to the inference backend.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client, filling zero poll settings with defaults.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logging.OrDiscard(logger),
	}
}

// Synthesize runs one chunk through a full submit and poll cycle. The
// reference payload selects cloned synthesis; pass nil for the default
// voice. On failure the returned job is non-nil whenever a submission was
// accepted.
func (c *Client) Synthesize(ctx context.Context, chunk text.Chunk, ref *reference.Payload) (*Job, error) {
	id, err := c.Submit(ctx, chunk.Text, ref)
	if err != nil {
		return nil, &JobError{Chunk: chunk.Ordinal, Kind: ErrSynthesisFailed, Cause: err}
	}

	job := NewJob(id, chunk.Ordinal)
	c.logger.Debug("synthesis job submitted",
		"job_id", id,
		"chunk", chunk.Ordinal,
		"text_length", len(chunk.Text),
		"cloned", ref != nil,
	)

	if err := c.Poll(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

// Submit posts a chunk and returns the backend job id. The
// reference_audio_base64 field is included only when ref is non-nil.
func (c *Client) Submit(ctx context.Context, chunkText string, ref *reference.Payload) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", ErrNotConfigured
	}

	body := RunRequest{Text: chunkText, Prompt: c.cfg.Prompt}
	if ref != nil {
		body.ReferenceAudioBase64 = ref.Base64()
	}

	var out RunResponse
	if err := c.do(ctx, http.MethodPost, "/run", body, &out); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("submit: backend returned no job id")
	}
	return out.ID, nil
}

// Status fetches a job's current state once.
func (c *Client) Status(ctx context.Context, id string) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return &out, nil
}

// Poll checks job every PollInterval until it reaches a terminal state or
// MaxAttempts checks have been made. On COMPLETED the job's Audio is a
// complete WAV file. Request errors fail the job immediately; a cancelled
// ctx ends the wait with ctx.Err().
func (c *Client) Poll(ctx context.Context, job *Job) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer.Reset(c.cfg.PollInterval)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}

		job.Polls = attempt
		status, err := c.Status(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			job.finish(StateFailed)
			return &JobError{JobID: job.ID, Chunk: job.Chunk, Kind: ErrSynthesisFailed, Cause: err}
		}

		switch status.Status {
		case StateCompleted:
			audio, rate, err := decodeOutput(status.Output)
			if err != nil {
				job.finish(StateFailed)
				return &JobError{JobID: job.ID, Chunk: job.Chunk, Kind: ErrSynthesisFailed, Cause: err}
			}
			job.Audio = audio
			job.SampleRate = rate
			job.finish(StateCompleted)
			c.logger.Debug("synthesis job completed",
				"job_id", job.ID,
				"chunk", job.Chunk,
				"polls", attempt,
				"bytes", len(audio),
			)
			return nil

		case StateFailed:
			job.finish(StateFailed)
			cause := status.Error
			if cause == "" {
				cause = "backend reported failure without detail"
			}
			return &JobError{JobID: job.ID, Chunk: job.Chunk, Kind: ErrSynthesisFailed, Cause: errors.New(cause)}

		case StateQueued, StateInProgress, StateRunning:
			job.State = status.Status

		default:
			c.logger.Debug("unknown job status; polling again",
				"job_id", job.ID,
				"status", string(status.Status),
			)
		}

		c.logger.Debug("synthesis job pending",
			"job_id", job.ID,
			"chunk", job.Chunk,
			"status", string(status.Status),
			"attempt", attempt,
		)
	}

	job.finish(StateTimeout)
	return &JobError{
		JobID: job.ID,
		Chunk: job.Chunk,
		Kind:  ErrSynthesisTimeout,
		Cause: fmt.Errorf("no terminal state after %d polls", c.cfg.MaxAttempts),
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeOutput returns the job audio as a WAV file. Backends that return
// headerless PCM get a mono 16-bit header at the reported sample rate.
func decodeOutput(out *Output) ([]byte, int, error) {
	if out == nil || out.AudioBase64 == "" {
		return nil, 0, errors.New("completed job has no audio output")
	}

	audio, err := base64.StdEncoding.DecodeString(out.AudioBase64)
	if err != nil {
		return nil, 0, fmt.Errorf("decode audio_base64: %w", err)
	}
	if len(audio) == 0 {
		return nil, 0, errors.New("completed job returned empty audio")
	}

	if reference.Sniff(audio) == "wav" {
		info, err := wav.Parse(audio)
		if err != nil {
			return nil, 0, err
		}
		return audio, info.SampleRate, nil
	}

	rate := out.SampleRate
	if rate <= 0 {
		rate = wav.DefaultSampleRate
	}
	return wav.WrapRawPCM(audio, rate, wav.DefaultChannels, wav.DefaultBitsPerSample), rate, nil
}
