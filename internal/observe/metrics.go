// Package observe provides the service's observability primitives:
// OpenTelemetry metric instruments with a Prometheus exporter bridge so
// the standard /metrics endpoint keeps working.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all service metrics.
const meterName = "github.com/example/pronouncex"

// Metrics holds the metric instruments. All fields are safe for
// concurrent use. Convenience methods tolerate a nil receiver so
// components can run without metrics wired (tests, the health command).
type Metrics struct {
	// SynthDuration tracks per-segment synthesis latency.
	SynthDuration metric.Float64Histogram

	// MergeDuration tracks full-job merge latency.
	MergeDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request latency by method and path.
	HTTPRequestDuration metric.Float64Histogram

	// JobsAdmitted counts admitted jobs.
	JobsAdmitted metric.Int64Counter

	// JobsRejected counts rejected submissions. Attribute: reason.
	JobsRejected metric.Int64Counter

	// SegmentsCompleted counts segments reaching a terminal state.
	// Attribute: status (ready|error|cancelled).
	SegmentsCompleted metric.Int64Counter

	// SegmentRetries counts segment retry attempts.
	SegmentRetries metric.Int64Counter

	// RetryCapsHit counts segments abandoned at the retry cap.
	RetryCapsHit metric.Int64Counter

	// CacheHits and CacheMisses count segment cache lookups.
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// FallbackResolutions counts segments that needed the
	// grapheme-to-phoneme fallback for at least one token.
	FallbackResolutions metric.Int64Counter

	// QualityFallbacks counts segments re-synthesized on the quality
	// model after a bad-output failure on the base model.
	QualityFallbacks metric.Int64Counter

	// MergeLockContention counts merge attempts that found the per-job
	// merge lock already held.
	MergeLockContention metric.Int64Counter

	// ActiveJobs tracks jobs currently holding an admission slot.
	ActiveJobs metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries in seconds, sized for
// synthesis latencies (hundreds of ms to tens of seconds).
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates the instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SynthDuration, err = m.Float64Histogram("pronouncex.synth.duration",
		metric.WithDescription("Per-segment synthesis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MergeDuration, err = m.Float64Histogram("pronouncex.merge.duration",
		metric.WithDescription("Full-job merge latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("pronouncex.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.JobsAdmitted, err = m.Int64Counter("pronouncex.jobs.admitted",
		metric.WithDescription("Total jobs admitted."),
	); err != nil {
		return nil, err
	}
	if met.JobsRejected, err = m.Int64Counter("pronouncex.jobs.rejected",
		metric.WithDescription("Total job submissions rejected, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsCompleted, err = m.Int64Counter("pronouncex.segments.completed",
		metric.WithDescription("Segments reaching a terminal state, by status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentRetries, err = m.Int64Counter("pronouncex.segments.retries",
		metric.WithDescription("Segment retry attempts."),
	); err != nil {
		return nil, err
	}
	if met.RetryCapsHit, err = m.Int64Counter("pronouncex.segments.retry_caps",
		metric.WithDescription("Segments abandoned at the retry cap."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("pronouncex.cache.hits",
		metric.WithDescription("Segment cache hits."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("pronouncex.cache.misses",
		metric.WithDescription("Segment cache misses."),
	); err != nil {
		return nil, err
	}
	if met.FallbackResolutions, err = m.Int64Counter("pronouncex.resolve.fallbacks",
		metric.WithDescription("Segments needing the grapheme-to-phoneme fallback."),
	); err != nil {
		return nil, err
	}
	if met.QualityFallbacks, err = m.Int64Counter("pronouncex.synth.quality_fallbacks",
		metric.WithDescription("Segments re-synthesized on the quality model."),
	); err != nil {
		return nil, err
	}
	if met.MergeLockContention, err = m.Int64Counter("pronouncex.merge.lock_contention",
		metric.WithDescription("Merge attempts that found the lock held."),
	); err != nil {
		return nil, err
	}

	if met.ActiveJobs, err = m.Int64UpDownCounter("pronouncex.jobs.active",
		metric.WithDescription("Jobs currently holding an admission slot."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance backed by the global
// meter provider.
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

// RecordRejection increments the rejection counter with its reason.
func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.JobsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAdmission increments the admitted counter and the active gauge.
func (m *Metrics) RecordAdmission(ctx context.Context) {
	if m == nil {
		return
	}
	m.JobsAdmitted.Add(ctx, 1)
	m.ActiveJobs.Add(ctx, 1)
}

// RecordJobSettled decrements the active gauge.
func (m *Metrics) RecordJobSettled(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveJobs.Add(ctx, -1)
}

// RecordSegmentDone increments the terminal-segment counter by status.
func (m *Metrics) RecordSegmentDone(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.SegmentsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCacheLookup increments the hit or miss counter.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
	} else {
		m.CacheMisses.Add(ctx, 1)
	}
}

// RecordRetry increments the retry counter; capped marks abandonment.
func (m *Metrics) RecordRetry(ctx context.Context, capped bool) {
	if m == nil {
		return
	}
	m.SegmentRetries.Add(ctx, 1)
	if capped {
		m.RetryCapsHit.Add(ctx, 1)
	}
}

// RecordFallback increments the resolver fallback counter.
func (m *Metrics) RecordFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.FallbackResolutions.Add(ctx, 1)
}

// RecordQualityFallback increments the quality-model fallback counter.
func (m *Metrics) RecordQualityFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.QualityFallbacks.Add(ctx, 1)
}

// RecordMergeContention increments the merge lock contention counter.
func (m *Metrics) RecordMergeContention(ctx context.Context) {
	if m == nil {
		return
	}
	m.MergeLockContention.Add(ctx, 1)
}

// RecordSynthDuration records one synthesis latency sample.
func (m *Metrics) RecordSynthDuration(ctx context.Context, seconds float64, modelID string) {
	if m == nil {
		return
	}
	m.SynthDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("model", modelID)))
}

// RecordMergeDuration records one merge latency sample.
func (m *Metrics) RecordMergeDuration(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.MergeDuration.Record(ctx, seconds)
}
