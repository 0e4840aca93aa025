package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/narrator-go/internal/ledger"
	"github.com/dgnsrekt/narrator-go/internal/pipeline"
	"github.com/dgnsrekt/narrator-go/internal/progress"
	"github.com/dgnsrekt/narrator-go/internal/reference"
	"github.com/dgnsrekt/narrator-go/internal/synth"
	"github.com/dgnsrekt/narrator-go/internal/text"
)

// MaxIntegrityBytes bounds the body of POST /v1/integrity.
const MaxIntegrityBytes = 100 << 20

// RenderIDHeader carries the render id on narration responses.
const RenderIDHeader = "X-Render-ID"

// maxNarrationBody bounds POST /v1/narrations. MaxTextLength applies to the
// normalized text, so the raw body allows a JSON \uXXXX escape (6 bytes) for
// every character plus room for the other fields.
func maxNarrationBody(maxTextLength int) int64 {
	return int64(6*maxTextLength + 4096)
}

// NarrationRequest represents the request body for /v1/narrations.
type NarrationRequest struct {
	Text              string `json:"text"`
	ReferenceAudioURL string `json:"reference_audio_url,omitempty"`
	Stream            bool   `json:"stream,omitempty"`
}

// NarrationResponse represents a successful non-streaming render.
type NarrationResponse struct {
	Success  bool    `json:"success"`
	RenderID string  `json:"render_id"`
	AudioURL string  `json:"audioUrl"`
	Duration float64 `json:"duration"`
	Size     int     `json:"size"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// HealthResponse represents the response body for /v1/healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse represents the response body for /v1/readyz.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleHealthz handles GET /v1/healthz requests.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReadyz reports whether the ledger and, when configured, NATS are usable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadyResponse{Status: "ok", Checks: map[string]string{}}
	if s.deps.Renders != nil {
		resp.Checks["ledger"] = "ok"
		if err := s.deps.Renders.Ping(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Checks["ledger"] = err.Error()
		}
	}
	if s.cfg.NATSURL != "" {
		resp.Checks["nats"] = "ok"
		if s.deps.Notifier == nil || !s.deps.Notifier.Healthy() {
			resp.Status = "unavailable"
			resp.Checks["nats"] = "disconnected"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleNarrate handles POST /v1/narrations requests.
func (s *Server) handleNarrate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxNarrationBody(s.cfg.MaxTextLength))

	var body NarrationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.logger.Warn("failed to decode narration request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Validate text is present
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	req := pipeline.Request{
		ID:           uuid.NewString(),
		Text:         body.Text,
		ReferenceURL: body.ReferenceAudioURL,
		Streaming:    body.Stream || wantsEventStream(r),
	}
	w.Header().Set(RenderIDHeader, req.ID)

	s.logger.Info("narration request accepted",
		"render_id", req.ID,
		"text_length", len(req.Text),
		"cloned", req.Cloned(),
		"streaming", req.Streaming,
	)

	// The render outlives the request: its outcome is kept in the ledger
	// even when the client goes away.
	ctx := context.WithoutCancel(r.Context())

	if req.Streaming {
		s.streamNarration(ctx, w, r, req)
		return
	}

	res, err := s.deps.Narrator.Run(ctx, req, progress.Nop)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, NarrationResponse{
		Success:  true,
		RenderID: res.RenderID,
		AudioURL: res.AudioURL,
		Duration: res.DurationSeconds,
		Size:     res.SizeBytes,
	})
}

// streamNarration writes progress as server-sent events until the render
// ends or the client disconnects.
func (s *Server) streamNarration(ctx context.Context, w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	ch := progress.NewChannel(w, s.logger)
	defer ch.Close()

	select {
	case <-s.deps.Narrator.Start(ctx, req, ch):
	case <-r.Context().Done():
		s.logger.Info("stream client disconnected", "render_id", req.ID)
	}
}

// handleGetNarration handles GET /v1/narrations/{id} requests.
func (s *Server) handleGetNarration(w http.ResponseWriter, r *http.Request) {
	if s.deps.Renders == nil {
		writeError(w, http.StatusNotFound, ledger.ErrNotFound.Error())
		return
	}

	render, err := s.deps.Renders.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to read render", "render_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read render")
		return
	}

	writeJSON(w, http.StatusOK, render)
}

// handleIntegrity analyses an uploaded WAV file.
func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxIntegrityBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "audio exceeds maximum size")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "audio is required")
		return
	}

	report := s.deps.Analyzer.Analyze(data)
	s.logger.Info("integrity check", "bytes", len(data), "summary", report.Summary())
	writeJSON(w, http.StatusOK, report)
}

// statusFor maps a render error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, text.ErrInvalidText):
		return http.StatusBadRequest
	case errors.Is(err, reference.ErrReferenceAudio):
		return http.StatusUnprocessableEntity
	case errors.Is(err, synth.ErrSynthesisTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, synth.ErrSynthesisFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: msg})
}
