package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dgnsrekt/narrator-go/internal/config"
	"github.com/dgnsrekt/narrator-go/internal/integrity"
	"github.com/dgnsrekt/narrator-go/internal/ledger"
	"github.com/dgnsrekt/narrator-go/internal/logging"
	"github.com/dgnsrekt/narrator-go/internal/pipeline"
	"github.com/dgnsrekt/narrator-go/internal/progress"
	"github.com/dgnsrekt/narrator-go/internal/reference"
	"github.com/dgnsrekt/narrator-go/internal/storage"
	"github.com/dgnsrekt/narrator-go/internal/synth"
	"github.com/dgnsrekt/narrator-go/internal/text"
	"github.com/dgnsrekt/narrator-go/internal/wav"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.BearerToken = "test-token"
	cfg.MaxTextLength = 1000
	cfg.LogLevel = "error"
	return cfg
}

// fakeNarrator emits a fixed progress sequence and then the outcome.
type fakeNarrator struct {
	err error

	mu   sync.Mutex
	reqs []pipeline.Request
}

func (f *fakeNarrator) Run(_ context.Context, req pipeline.Request, sink progress.Sink) (*pipeline.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	sink.Emit(progress.Progress(5, "Normalizing text"))
	sink.Emit(progress.Progress(50, "Synthesizing"))
	if f.err != nil {
		sink.Emit(progress.Failed(f.err.Error()))
		return nil, f.err
	}

	res := &pipeline.Result{
		RenderID:        req.ID,
		AudioURL:        "http://media.test/narrations/" + req.ID + ".wav",
		DurationSeconds: 1.5,
		SizeBytes:       72044,
		Chunks:          2,
	}
	sink.Emit(progress.Complete(res.AudioURL, res.DurationSeconds, res.SizeBytes))
	return res, nil
}

func (f *fakeNarrator) Start(ctx context.Context, req pipeline.Request, sink progress.Sink) <-chan pipeline.Outcome {
	done := make(chan pipeline.Outcome, 1)
	go func() {
		res, err := f.Run(ctx, req, sink)
		done <- pipeline.Outcome{Result: res, Err: err}
	}()
	return done
}

func (f *fakeNarrator) last() pipeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeRenders struct {
	rows    map[string]*ledger.Render
	pingErr error
}

func (f *fakeRenders) Get(_ context.Context, id string) (*ledger.Render, error) {
	r, ok := f.rows[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return r, nil
}

func (f *fakeRenders) Ping(context.Context) error {
	return f.pingErr
}

type fakeHealth bool

func (f fakeHealth) Healthy() bool { return bool(f) }

func testServer(cfg *config.Config, deps Deps) *Server {
	if deps.Narrator == nil {
		deps.Narrator = &fakeNarrator{}
	}
	return New(cfg, logging.Discard(), deps)
}

func postNarration(t *testing.T, srv *Server, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/narrations", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	srv := testServer(testConfig(), Deps{})

	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", resp.Status)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name     string
		natsURL  string
		renders  *fakeRenders
		notifier HealthChecker
		want     int
	}{
		{name: "no dependencies", want: http.StatusOK},
		{name: "ledger ok", renders: &fakeRenders{}, want: http.StatusOK},
		{name: "ledger down", renders: &fakeRenders{pingErr: errors.New("disk I/O error")}, want: http.StatusServiceUnavailable},
		{name: "nats connected", natsURL: "nats://localhost:4222", notifier: fakeHealth(true), want: http.StatusOK},
		{name: "nats disconnected", natsURL: "nats://localhost:4222", notifier: fakeHealth(false), want: http.StatusServiceUnavailable},
		{name: "nats not wired", natsURL: "nats://localhost:4222", want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.NATSURL = tt.natsURL
			deps := Deps{Notifier: tt.notifier}
			if tt.renders != nil {
				deps.Renders = tt.renders
			}
			srv := testServer(cfg, deps)

			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/readyz", nil))

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestNarrateSuccess(t *testing.T) {
	narrator := &fakeNarrator{}
	srv := testServer(testConfig(), Deps{Narrator: narrator})

	w := postNarration(t, srv, `{"text":"Hello, world!","reference_audio_url":"http://voices.test/me.wav"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp NarrationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !resp.Success || resp.RenderID == "" {
		t.Errorf("response = %+v", resp)
	}
	if resp.AudioURL != "http://media.test/narrations/"+resp.RenderID+".wav" {
		t.Errorf("audioUrl = %q", resp.AudioURL)
	}
	if resp.Duration != 1.5 || resp.Size != 72044 {
		t.Errorf("duration/size = %v/%d", resp.Duration, resp.Size)
	}
	if got := w.Header().Get(RenderIDHeader); got != resp.RenderID {
		t.Errorf("%s = %q, want %q", RenderIDHeader, got, resp.RenderID)
	}

	req := narrator.last()
	if req.Text != "Hello, world!" || req.ReferenceURL != "http://voices.test/me.wav" || req.Streaming {
		t.Errorf("pipeline request = %+v", req)
	}
}

func TestNarrateBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "missing text", body: `{}`, want: "text is required"},
		{name: "blank text", body: `{"text":"   "}`, want: "text is required"},
		{name: "invalid JSON", body: `{invalid json}`, want: "invalid JSON body"},
		{name: "oversized body", body: `{"text":"` + strings.Repeat("a", 20000) + `"}`, want: "invalid JSON body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(testConfig(), Deps{})
			w := postNarration(t, srv, tt.body, nil)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
			resp := decodeError(t, w)
			if resp.Success || resp.Error != tt.want {
				t.Errorf("response = %+v, want error %q", resp, tt.want)
			}
		})
	}
}

func TestNarrateAcceptsEscapedText(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTextLength = 5000
	narrator := &fakeNarrator{}
	srv := testServer(cfg, Deps{Narrator: narrator})

	// 30000 bytes of JSON decoding to 5000 characters.
	body := `{"text":"` + strings.Repeat(`\u0041`, cfg.MaxTextLength) + `"}`
	w := postNarration(t, srv, body, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if got := narrator.last().Text; got != strings.Repeat("A", cfg.MaxTextLength) {
		t.Errorf("text length = %d, want %d", len(got), cfg.MaxTextLength)
	}
}

func TestNarrateErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &text.ValidationError{Chunk: 3, Reason: "text contains no alphanumeric characters"}, http.StatusBadRequest},
		{"reference", fmt.Errorf("%w: %w: status 404", reference.ErrReferenceAudio, reference.ErrUnreachable), http.StatusUnprocessableEntity},
		{"synthesis failed", &synth.JobError{JobID: "j1", Chunk: 0, Kind: synth.ErrSynthesisFailed}, http.StatusBadGateway},
		{"synthesis timeout", &synth.JobError{JobID: "j1", Chunk: 0, Kind: synth.ErrSynthesisTimeout}, http.StatusGatewayTimeout},
		{"malformed wav", fmt.Errorf("chunk 2: %w", wav.ErrMalformed), http.StatusInternalServerError},
		{"upload", fmt.Errorf("%w: disk full", storage.ErrUploadFailed), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(testConfig(), Deps{Narrator: &fakeNarrator{err: tt.err}})
			w := postNarration(t, srv, `{"text":"Hello, world!"}`, nil)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			resp := decodeError(t, w)
			if resp.Success || resp.Error != tt.err.Error() {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func readStream(t *testing.T, w *httptest.ResponseRecorder) ([]progress.Event, progress.Event) {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}

	var events []progress.Event
	final, err := progress.Read(w.Body, func(ev progress.Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return events, final
}

func TestNarrateStreaming(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		header http.Header
	}{
		{name: "stream flag", body: `{"text":"Hello, world!","stream":true}`},
		{name: "accept header", body: `{"text":"Hello, world!"}`, header: http.Header{"Accept": {"text/event-stream"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			narrator := &fakeNarrator{}
			srv := testServer(testConfig(), Deps{Narrator: narrator})
			w := postNarration(t, srv, tt.body, tt.header)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			events, final := readStream(t, w)
			if len(events) != 3 {
				t.Errorf("events = %d, want 3", len(events))
			}
			if final.Type != progress.TypeComplete || final.Size != 72044 {
				t.Errorf("final = %+v", final)
			}
			if !narrator.last().Streaming {
				t.Error("pipeline request not marked streaming")
			}
		})
	}
}

func TestNarrateStreamingError(t *testing.T) {
	srv := testServer(testConfig(), Deps{Narrator: &fakeNarrator{err: &synth.JobError{Kind: synth.ErrSynthesisTimeout}}})
	w := postNarration(t, srv, `{"text":"Hello, world!","stream":true}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	_, final := readStream(t, w)
	if final.Type != progress.TypeError || !strings.Contains(final.Error, "timed out") {
		t.Errorf("final = %+v", final)
	}
}

func TestNarrateRequiresAuth(t *testing.T) {
	srv := testServer(testConfig(), Deps{})

	req := httptest.NewRequest(http.MethodPost, "/v1/narrations", strings.NewReader(`{"text":"Hello, world!"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestGetNarration(t *testing.T) {
	renders := &fakeRenders{rows: map[string]*ledger.Render{
		"r1": {ID: "r1", Status: ledger.StatusCompleted, AudioURL: "http://media.test/narrations/r1.wav", SizeBytes: 44},
	}}

	tests := []struct {
		name    string
		renders RenderStore
		id      string
		want    int
	}{
		{"found", renders, "r1", http.StatusOK},
		{"unknown", renders, "nope", http.StatusNotFound},
		{"ledger disabled", nil, "r1", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(testConfig(), Deps{Renders: tt.renders})
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/narrations/"+tt.id, nil))

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			var row ledger.Render
			if err := json.Unmarshal(w.Body.Bytes(), &row); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if row.ID != "r1" || row.Status != ledger.StatusCompleted {
				t.Errorf("row = %+v", row)
			}
		})
	}
}

func TestIntegrity(t *testing.T) {
	srv := testServer(testConfig(), Deps{})

	post := func(body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/integrity", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer test-token")
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		return w
	}

	w := post(wav.CreateTone(24000, wav.DefaultSampleRate, 5000, 440))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var report integrity.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !report.Valid || report.Stats.DurationSeconds != 1 {
		t.Errorf("report = %+v", report)
	}

	w = post([]byte("not a wav file at all, just some text padding"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var bad integrity.Report
	if err := json.Unmarshal(w.Body.Bytes(), &bad); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if bad.Valid || bad.Count(integrity.IssueMalformed) != 1 {
		t.Errorf("malformed report = %+v", bad)
	}

	if w := post(nil); w.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestMetricsAndMediaRoutes(t *testing.T) {
	var mediaPath string
	srv := testServer(testConfig(), Deps{
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("narrator_requests_total 1\n"))
		}),
		Media: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mediaPath = r.URL.Path
		}),
	})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "narrator_requests_total") {
		t.Errorf("metrics body = %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/media/narrations/r1.wav", nil))
	if mediaPath != "/narrations/r1.wav" {
		t.Errorf("media path = %q", mediaPath)
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("statusFor(unknown) = %d", got)
	}
	joined := errors.Join(&text.ValidationError{Chunk: 0, Reason: "x"}, &text.ValidationError{Chunk: 1, Reason: "y"})
	if got := statusFor(joined); got != http.StatusBadRequest {
		t.Errorf("statusFor(joined validation) = %d", got)
	}
}
