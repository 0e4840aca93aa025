// Package pipeline turns narration text into a single uploaded WAV file:
// it normalizes and chunks the text, synthesizes each chunk in order,
// concatenates the audio, uploads it, and checks the result's integrity.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/narrator-go/internal/integrity"
	"github.com/dgnsrekt/narrator-go/internal/ledger"
	"github.com/dgnsrekt/narrator-go/internal/logging"
	"github.com/dgnsrekt/narrator-go/internal/notify"
	"github.com/dgnsrekt/narrator-go/internal/observe"
	"github.com/dgnsrekt/narrator-go/internal/progress"
	"github.com/dgnsrekt/narrator-go/internal/reference"
	"github.com/dgnsrekt/narrator-go/internal/storage"
	"github.com/dgnsrekt/narrator-go/internal/synth"
	"github.com/dgnsrekt/narrator-go/internal/text"
	"github.com/dgnsrekt/narrator-go/internal/wav"
)

// Stage is a step of the render state machine.
type Stage string

// Render stages in execution order. StageFailed is reachable from any
// stage and is absorbing.
const (
	StageNormalizing      Stage = "normalizing"
	StageChunking         Stage = "chunking"
	StageLoadingReference Stage = "loading_reference"
	StageSynthesizing     Stage = "synthesizing"
	StageConcatenating    Stage = "concatenating"
	StageUploading        Stage = "uploading"
	StageDone             Stage = "done"
	StageFailed           Stage = "failed"
)

// Progress percentages reported at each stage.
const (
	percentNormalizing   = 5
	percentChunking      = 10
	percentReference     = 12
	percentSynthesis     = 15
	percentConcatenating = 80
	percentUploading     = 85
	percentDone          = 100
)

// Synthesizer runs one chunk through the inference backend.
type Synthesizer interface {
	Synthesize(ctx context.Context, chunk text.Chunk, ref *reference.Payload) (*synth.Job, error)
}

// ReferenceLoader fetches a voice sample.
type ReferenceLoader interface {
	Load(ctx context.Context, url string) (*reference.Payload, error)
}

// Ledger records render outcomes.
type Ledger interface {
	Record(ctx context.Context, r ledger.Render) error
}

// Publisher distributes integrity reports.
type Publisher interface {
	Publish(ctx context.Context, msg notify.Message) error
}

// Config tunes the orchestrator.
type Config struct {
	// MaxChunkLength bounds each chunk; zero selects the chunker default.
	MaxChunkLength int
	// MaxTextLength bounds the normalized document; zero disables the check.
	MaxTextLength int
	// Concurrency is the number of chunk jobs in flight for renders without
	// a reference voice. Values below 2 keep synthesis sequential.
	Concurrency int
}

// Deps are the orchestrator's collaborators. Synthesizer and Uploader are
// required; the rest are optional.
type Deps struct {
	Synthesizer Synthesizer
	References  ReferenceLoader
	Uploader    storage.Uploader
	Analyzer    *integrity.Analyzer
	Ledger      Ledger
	Publisher   Publisher
	Metrics     *observe.Metrics
}

// Request is one narration render.
type Request struct {
	// ID identifies the render; a UUID is assigned when empty.
	ID           string
	Text         string
	ReferenceURL string
	// Streaming is recorded for metrics and the ledger; delivery is chosen
	// by the sink passed to Run.
	Streaming bool
}

// Cloned reports whether the render uses a reference voice.
func (r Request) Cloned() bool {
	return r.ReferenceURL != ""
}

// Result describes a finished render.
type Result struct {
	RenderID        string
	AudioURL        string
	DurationSeconds float64
	SizeBytes       int
	Chunks          int
	Integrity       *integrity.Report
}

// Outcome is delivered by Start when a render ends.
type Outcome struct {
	Result *Result
	Err    error
}

// Orchestrator sequences a render. It holds no per-request state and is safe
// for concurrent use.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Synthesizer == nil {
		return nil, errors.New("pipeline: synthesizer is required")
	}
	if deps.Uploader == nil {
		return nil, errors.New("pipeline: uploader is required")
	}
	if deps.Metrics == nil {
		m, err := observe.NewMetrics(noop.NewMeterProvider())
		if err != nil {
			return nil, err
		}
		deps.Metrics = m
	}
	if cfg.MaxChunkLength <= 0 {
		cfg.MaxChunkLength = text.DefaultMaxChunkLength
	}

	return &Orchestrator{cfg: cfg, deps: deps, logger: logging.OrDiscard(logger)}, nil
}

// Start runs the render in a new goroutine and returns immediately. The
// channel receives exactly one Outcome.
func (o *Orchestrator) Start(ctx context.Context, req Request, sink progress.Sink) <-chan Outcome {
	done := make(chan Outcome, 1)
	go func() {
		res, err := o.Run(ctx, req, sink)
		done <- Outcome{Result: res, Err: err}
	}()
	return done
}

// Run performs the render, reporting progress to sink, and blocks until it
// finishes. The sink receives non-decreasing progress events followed by
// exactly one complete or error event. Pass progress.Nop when no progress
// reporting is wanted.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink progress.Sink) (*Result, error) {
	if sink == nil {
		sink = progress.Nop
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	r := &render{
		o:     o,
		req:   req,
		sink:  sink,
		log:   o.logger.With("render_id", req.ID),
		start: time.Now(),
	}

	ctx, span := observe.StartSpan(ctx, "pipeline.render",
		trace.WithAttributes(
			attribute.String("render.id", req.ID),
			attribute.Bool("render.cloned", req.Cloned()),
			attribute.Bool("render.streaming", req.Streaming),
		),
	)
	defer span.End()

	o.deps.Metrics.ActiveRenders.Add(ctx, 1)
	defer o.deps.Metrics.ActiveRenders.Add(ctx, -1)

	o.record(ctx, r.row(ledger.StatusRunning))

	res, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(ctx, err)
		return nil, err
	}

	r.succeed(ctx, res)
	return res, nil
}

// render is the state of one Run.
type render struct {
	o      *Orchestrator
	req    Request
	sink   progress.Sink
	log    *slog.Logger
	start  time.Time
	stage  Stage
	chunks int

	mu      sync.Mutex
	percent int
}

func (r *render) enter(stage Stage, percent int, message string) {
	r.stage = stage
	r.log.Info("render stage", "stage", string(stage), "percent", percent)
	r.progress(percent, message)
}

// progress emits a progress event, never letting the percentage go down.
func (r *render) progress(percent int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percent = max(r.percent, percent)
	r.sink.Emit(progress.Progress(r.percent, message))
}

func (r *render) execute(ctx context.Context) (*Result, error) {
	o := r.o

	r.enter(StageNormalizing, percentNormalizing, "Normalizing text")
	normalized := text.Normalize(r.req.Text)
	if err := o.validateDocument(normalized); err != nil {
		return nil, err
	}

	r.enter(StageChunking, percentChunking, "Splitting narration into chunks")
	chunks := text.Split(normalized, o.cfg.MaxChunkLength)
	r.chunks = len(chunks)
	if err := text.ValidateChunks(chunks); err != nil {
		return nil, err
	}
	o.deps.Metrics.Chunks.Add(ctx, int64(len(chunks)))
	r.log.Info("narration chunked", "chunks", len(chunks), "text_length", len(normalized))

	var ref *reference.Payload
	if r.req.Cloned() {
		r.enter(StageLoadingReference, percentReference, "Loading reference audio")
		if o.deps.References == nil {
			return nil, fmt.Errorf("%w: voice cloning is not configured", reference.ErrReferenceAudio)
		}
		var err error
		if ref, err = o.deps.References.Load(ctx, r.req.ReferenceURL); err != nil {
			return nil, err
		}
	}

	r.enter(StageSynthesizing, percentSynthesis, fmt.Sprintf("Synthesizing %d chunks", len(chunks)))
	var (
		audio [][]byte
		err   error
	)
	if ref != nil || o.cfg.Concurrency < 2 || len(chunks) < 2 {
		audio, err = r.synthesizeSequential(ctx, chunks, ref)
	} else {
		audio, err = r.synthesizeParallel(ctx, chunks)
	}
	if err != nil {
		return nil, err
	}

	r.enter(StageConcatenating, percentConcatenating, "Concatenating audio")
	joined, err := wav.Concatenate(audio)
	if err != nil {
		return nil, err
	}
	r.log.Info("audio concatenated",
		"bytes", len(joined.Data),
		"duration_s", joined.DurationSeconds,
		"format", joined.Format.String(),
	)

	r.enter(StageUploading, percentUploading, "Uploading audio")
	url, err := o.deps.Uploader.Upload(ctx, storage.NarrationPath(r.req.ID), joined.Data, "audio/wav")
	if err != nil {
		if !errors.Is(err, storage.ErrUploadFailed) {
			err = fmt.Errorf("%w: %w", storage.ErrUploadFailed, err)
		}
		return nil, err
	}

	r.enter(StageDone, percentDone, "Upload complete")
	res := &Result{
		RenderID:        r.req.ID,
		AudioURL:        url,
		DurationSeconds: joined.DurationSeconds,
		SizeBytes:       len(joined.Data),
		Chunks:          len(chunks),
	}
	r.sink.Emit(progress.Complete(res.AudioURL, res.DurationSeconds, res.SizeBytes))

	res.Integrity = o.checkIntegrity(ctx, r.log, joined.Data)
	return res, nil
}

func (o *Orchestrator) validateDocument(normalized string) error {
	if normalized == "" {
		return &text.ValidationError{Chunk: -1, Reason: "text is empty after normalization"}
	}
	if o.cfg.MaxTextLength > 0 && len(normalized) > o.cfg.MaxTextLength {
		return &text.ValidationError{
			Chunk:  -1,
			Reason: fmt.Sprintf("text exceeds %d characters", o.cfg.MaxTextLength),
		}
	}
	return nil
}

// synthesizeSequential completes each chunk's submit and poll cycle before
// submitting the next.
func (r *render) synthesizeSequential(ctx context.Context, chunks []text.Chunk, ref *reference.Payload) ([][]byte, error) {
	audio := make([][]byte, len(chunks))
	for i, c := range chunks {
		r.progress(synthesisPercent(i, len(chunks)), fmt.Sprintf("Synthesizing chunk %d of %d", i+1, len(chunks)))
		job, err := r.synthesize(ctx, c, ref)
		if err != nil {
			return nil, err
		}
		audio[i] = job.Audio
	}
	return audio, nil
}

// synthesizeParallel keeps up to Concurrency jobs in flight and reassembles
// their audio by ordinal. The first failure cancels the remaining jobs.
func (r *render) synthesizeParallel(ctx context.Context, chunks []text.Chunk) ([][]byte, error) {
	audio := make([][]byte, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.Concurrency)

	var (
		mu   sync.Mutex
		done int
	)
	for i, c := range chunks {
		g.Go(func() error {
			job, err := r.synthesize(gctx, c, nil)
			if err != nil {
				return err
			}
			audio[i] = job.Audio

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			r.progress(synthesisPercent(n, len(chunks)), fmt.Sprintf("Synthesized %d of %d chunks", n, len(chunks)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return audio, nil
}

func (r *render) synthesize(ctx context.Context, c text.Chunk, ref *reference.Payload) (*synth.Job, error) {
	m := r.o.deps.Metrics
	start := time.Now()

	job, err := r.o.deps.Synthesizer.Synthesize(ctx, c, ref)

	status := "completed"
	polls := 0
	if job != nil {
		polls = job.Polls
	}
	switch {
	case errors.Is(err, synth.ErrSynthesisTimeout):
		status = "timeout"
	case err != nil:
		status = "failed"
	}
	m.RecordSynthesis(ctx, status, time.Since(start).Seconds(), polls)

	if err != nil {
		r.log.Error("chunk synthesis failed", "chunk", c.Ordinal, "polls", polls, "error", err)
		return nil, err
	}
	r.log.Debug("chunk synthesized",
		"chunk", c.Ordinal,
		"job_id", job.ID,
		"polls", job.Polls,
		"bytes", len(job.Audio),
		"elapsed", job.Elapsed(),
	)
	return job, nil
}

// synthesisPercent maps i of n completed chunks onto the synthesis span.
func synthesisPercent(i, n int) int {
	if n == 0 {
		return percentSynthesis
	}
	return percentSynthesis + (percentConcatenating-percentSynthesis)*i/n
}

func (r *render) fail(ctx context.Context, err error) {
	r.log.Error("render failed", "stage", string(r.stage), "error", err, "elapsed", time.Since(r.start))
	r.stage = StageFailed
	r.sink.Emit(progress.Failed(err.Error()))

	row := r.row(ledger.StatusFailed)
	row.Error = err.Error()
	r.o.record(ctx, row)
	r.o.deps.Metrics.RecordRender(ctx, r.mode(), string(ledger.StatusFailed), time.Since(r.start).Seconds())
}

func (r *render) succeed(ctx context.Context, res *Result) {
	elapsed := time.Since(r.start)
	r.log.Info("render complete",
		"url", res.AudioURL,
		"duration_s", res.DurationSeconds,
		"bytes", res.SizeBytes,
		"chunks", res.Chunks,
		"elapsed", elapsed,
	)

	row := r.row(ledger.StatusCompleted)
	row.AudioURL = res.AudioURL
	row.DurationSeconds = res.DurationSeconds
	row.SizeBytes = res.SizeBytes
	row.Integrity = res.Integrity
	r.o.record(ctx, row)
	r.o.deps.Metrics.RecordRender(ctx, r.mode(), string(ledger.StatusCompleted), elapsed.Seconds())

	if res.Integrity != nil {
		r.o.publish(ctx, r.log, notify.Message{RenderID: res.RenderID, AudioURL: res.AudioURL, Report: res.Integrity})
	}
}

func (r *render) mode() string {
	if r.req.Streaming {
		return "stream"
	}
	return "sync"
}

func (r *render) row(status ledger.Status) ledger.Render {
	return ledger.Render{
		ID:         r.req.ID,
		Status:     status,
		Streaming:  r.req.Streaming,
		Cloned:     r.req.Cloned(),
		TextLength: len(r.req.Text),
		Chunks:     r.chunks,
		CreatedAt:  r.start,
	}
}

// checkIntegrity analyses the final audio. Findings are logged and counted;
// they never fail the render.
func (o *Orchestrator) checkIntegrity(ctx context.Context, log *slog.Logger, data []byte) *integrity.Report {
	if o.deps.Analyzer == nil {
		return nil
	}

	_, span := observe.StartSpan(ctx, "pipeline.integrity")
	defer span.End()

	report := o.deps.Analyzer.Analyze(data)
	for _, issue := range report.Issues {
		o.deps.Metrics.RecordIntegrityIssue(ctx, string(issue.Type), string(issue.Severity))
	}

	if report.Valid {
		log.Info("integrity check passed", "summary", report.Summary())
	} else {
		log.Warn("integrity check failed", "summary", report.Summary())
	}
	return report
}

func (o *Orchestrator) record(ctx context.Context, row ledger.Render) {
	if o.deps.Ledger == nil {
		return
	}
	if err := o.deps.Ledger.Record(ctx, row); err != nil {
		o.logger.Warn("failed to record render", "render_id", row.ID, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, log *slog.Logger, msg notify.Message) {
	if o.deps.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.deps.Publisher.Publish(ctx, msg); err != nil {
		log.Warn("failed to publish integrity report", "error", err)
	}
}
