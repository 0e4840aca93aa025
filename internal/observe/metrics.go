// Package observe provides OpenTelemetry metrics and tracing for the
// narration service, a Prometheus bridge for scraping, and HTTP middleware
// tying them to request logs.
//
// Tests should build a [Metrics] with [NewMetrics] over their own
// [metric.MeterProvider] rather than the global one.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all narrator metrics.
const meterName = "github.com/dgnsrekt/narrator-go"

// Metrics holds the service's metric instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// PipelineDuration tracks whole-render latency. Attributes: status.
	PipelineDuration metric.Float64Histogram

	// SynthesisDuration tracks one chunk's submit-to-completion latency.
	// Attributes: status.
	SynthesisDuration metric.Float64Histogram

	// SynthesisPolls counts status checks against the inference backend.
	SynthesisPolls metric.Int64Counter

	// Chunks counts narration chunks produced by the chunker.
	Chunks metric.Int64Counter

	// Requests counts renders. Attributes: mode, status.
	Requests metric.Int64Counter

	// IntegrityIssues counts issues found by the integrity analyzer.
	// Attributes: type, severity.
	IntegrityIssues metric.Int64Counter

	// ActiveRenders tracks in-flight renders.
	ActiveRenders metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request latency. Attributes: method,
	// path.
	HTTPRequestDuration metric.Float64Histogram
}

// renderBuckets covers per-chunk synthesis (seconds) up to multi-minute
// renders.
var renderBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PipelineDuration, err = m.Float64Histogram("narrator.pipeline.duration",
		metric.WithDescription("Latency of a complete narration render."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(renderBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("narrator.synthesis.duration",
		metric.WithDescription("Latency of one chunk's synthesis job."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(renderBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisPolls, err = m.Int64Counter("narrator.synthesis.polls",
		metric.WithDescription("Total status polls against the inference backend."),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("narrator.chunks",
		metric.WithDescription("Total narration chunks produced."),
	); err != nil {
		return nil, err
	}
	if met.Requests, err = m.Int64Counter("narrator.requests",
		metric.WithDescription("Total renders by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.IntegrityIssues, err = m.Int64Counter("narrator.integrity.issues",
		metric.WithDescription("Total integrity issues by type and severity."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRenders, err = m.Int64UpDownCounter("narrator.active_renders",
		metric.WithDescription("Number of renders in progress."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("narrator.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level [Metrics] built on the global
// meter provider at first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordRender records a finished render's latency and outcome.
func (m *Metrics) RecordRender(ctx context.Context, mode, status string, seconds float64) {
	m.PipelineDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordSynthesis records one chunk job.
func (m *Metrics) RecordSynthesis(ctx context.Context, status string, seconds float64, polls int) {
	m.SynthesisDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
	if polls > 0 {
		m.SynthesisPolls.Add(ctx, int64(polls))
	}
}

// RecordIntegrityIssue counts one analyzer finding.
func (m *Metrics) RecordIntegrityIssue(ctx context.Context, issueType, severity string) {
	m.IntegrityIssues.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", issueType),
			attribute.String("severity", severity),
		),
	)
}
