// Package worker runs the segment processing loop: dequeue, claim,
// resolve, synthesize, encode, cache, commit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/pronouncex/internal/cache"
	"github.com/example/pronouncex/internal/codec"
	"github.com/example/pronouncex/internal/job"
	"github.com/example/pronouncex/internal/observe"
	"github.com/example/pronouncex/internal/resolve"
	"github.com/example/pronouncex/internal/synth"
	"github.com/example/pronouncex/internal/text"
)

const dequeueTimeout = 2 * time.Second

// Config tunes one worker process.
type Config struct {
	// Workers is the number of concurrent segment loops.
	Workers int
	// HeartbeatInterval refreshes the liveness record; the record's TTL
	// is three intervals so one missed beat does not mark us dead.
	HeartbeatInterval time.Duration
	// ClaimTTL bounds how long a claim survives without a commit.
	ClaimTTL time.Duration
	// MaxRetries caps re-queues per segment.
	MaxRetries int
	// QualityModelID is tried when the base model returns bad output.
	// Empty disables the fallback.
	QualityModelID string
}

// Option configures the worker.
type Option func(*Worker)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// WithMetrics wires metric instruments.
func WithMetrics(metrics *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = metrics }
}

// WithID overrides the generated worker ID (tests).
func WithID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// Worker consumes the segment queue and produces cached audio.
type Worker struct {
	id       string
	cfg      Config
	manager  *job.Manager
	backend  job.Backend
	resolver *resolve.Resolver
	pool     synth.Synthesizer
	codec    codec.Codec
	cache    *cache.Store
	metrics  *observe.Metrics
	log      *slog.Logger
}

// New creates a worker.
func New(manager *job.Manager, resolver *resolve.Resolver, pool synth.Synthesizer, cod codec.Codec, cacheStore *cache.Store, cfg Config, opts ...Option) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	hostname, _ := os.Hostname()
	w := &Worker{
		id:       fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		cfg:      cfg,
		manager:  manager,
		backend:  manager.Backend(),
		resolver: resolver,
		pool:     pool,
		codec:    cod,
		cache:    cacheStore,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("worker", w.id)
	return w
}

// ID returns the worker's identity as seen in claims and heartbeats.
func (w *Worker) ID() string { return w.id }

// Run blocks until ctx is done, processing segments on cfg.Workers
// goroutines with a heartbeat alongside.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.heartbeatLoop(ctx)
	})
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			return w.segmentLoop(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ttl := 3 * w.cfg.HeartbeatInterval
	if err := w.backend.Heartbeat(ctx, w.id, ttl); err != nil {
		w.log.Warn("heartbeat failed", "error", err)
	}
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.backend.Heartbeat(ctx, w.id, ttl); err != nil {
				w.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) segmentLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ref, ok, err := w.backend.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.log.Warn("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		w.Handle(ctx, ref)
	}
}

// Handle drives one dequeued segment to a terminal state or back onto
// the queue. Every failure path is contained: a broken segment must not
// take the loop down.
func (w *Worker) Handle(ctx context.Context, ref job.SegmentRef) {
	j, err := w.backend.GetJob(ctx, ref.JobID)
	if err != nil {
		if !errors.Is(err, job.ErrJobNotFound) {
			w.log.Warn("load job failed", "ref", ref.String(), "error", err)
		}
		return
	}
	// Cancelled (or otherwise finished) before we dequeued it.
	if j.Status.Terminal() {
		return
	}
	seg, err := j.Segment(ref.Index)
	if err != nil || seg.Status != job.SegmentQueued {
		return
	}

	epoch, claimed, err := w.backend.Claim(ctx, ref, w.id, w.cfg.ClaimTTL)
	if err != nil {
		w.log.Warn("claim failed", "ref", ref.String(), "error", err)
		return
	}
	if !claimed {
		return // another worker owns it
	}
	defer func() {
		if err := w.backend.ReleaseClaim(ctx, ref, epoch); err != nil {
			w.log.Warn("release claim failed", "ref", ref.String(), "error", err)
		}
	}()

	started := false
	if _, err := w.backend.UpdateJob(ctx, ref.JobID, func(j *job.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		s, err := j.Segment(ref.Index)
		if err != nil {
			return err
		}
		if s.Status != job.SegmentQueued {
			return nil
		}
		s.Status = job.SegmentRunning
		s.UpdatedAt = time.Now().UTC()
		if j.Status == job.StatusQueued {
			j.Status = job.StatusRunning
		}
		started = true
		return nil
	}); err != nil {
		w.log.Warn("mark running failed", "ref", ref.String(), "error", err)
		return
	}
	if !started {
		return
	}

	result, procErr := w.process(ctx, j, *seg)
	w.commit(ctx, ref, epoch, result, procErr)
}

type segmentResult struct {
	durationMS   int64
	fallbackUsed bool
	usedQuality  bool
	cacheHit     bool
}

// process produces cached audio for the segment. The cache is checked
// again under the claim: a sibling worker may have produced the same
// fingerprint for another job in the meantime.
func (w *Worker) process(ctx context.Context, j *job.Job, seg job.Segment) (segmentResult, error) {
	if meta, _, err := w.cache.Stat(seg.CacheKey); err == nil {
		w.metrics.RecordCacheLookup(ctx, true)
		return segmentResult{
			durationMS:   meta.DurationMS,
			fallbackUsed: meta.FallbackUsed,
			cacheHit:     true,
		}, nil
	}
	w.metrics.RecordCacheLookup(ctx, false)

	// Profile transforms run on the stored text at synthesis time; the
	// cache key already covers the modes, so the rewrite stays keyed.
	segText := seg.Text
	if j.AcronymMode == job.AcronymSpell {
		segText = text.SpellAcronyms(segText)
	}
	segText = text.FormatNumbers(segText, j.NumberMode)

	resolved, err := w.resolver.Resolve(ctx, segText)
	if err != nil {
		return segmentResult{}, fmt.Errorf("resolve: %w", err)
	}
	if resolved.FallbackUsed() {
		w.metrics.RecordFallback(ctx)
	}

	req := synth.Request{
		Text:         resolved.Annotated(),
		ModelID:      j.ModelID,
		VoiceID:      j.VoiceID,
		Speed:        j.Speed,
		PhonemeInput: j.PreferPhonemes,
	}

	start := time.Now()
	wav, synthErr := w.pool.Synthesize(ctx, req)
	usedQuality := false
	if synthErr != nil && w.cfg.QualityModelID != "" && w.cfg.QualityModelID != req.ModelID &&
		synth.QualityFallbackWorthwhile(synthErr) {
		w.log.Warn("base model produced bad output, retrying on quality model",
			"job", j.ID, "segment", seg.Index, "error", synthErr)
		w.metrics.RecordQualityFallback(ctx)
		req.ModelID = w.cfg.QualityModelID
		wav, synthErr = w.pool.Synthesize(ctx, req)
		usedQuality = true
	}
	w.metrics.RecordSynthDuration(ctx, time.Since(start).Seconds(), req.ModelID)
	if synthErr != nil {
		return segmentResult{}, fmt.Errorf("synthesize: %w", synthErr)
	}

	// Cancellation checkpoint before the expensive encode.
	if current, err := w.backend.GetJob(ctx, j.ID); err == nil && current.Status.Terminal() {
		return segmentResult{}, context.Canceled
	}

	ogg, err := w.codec.EncodeOGG(ctx, wav)
	if err != nil {
		return segmentResult{}, fmt.Errorf("encode: %w", err)
	}

	meta := cache.Meta{
		ModelID:      req.ModelID,
		VoiceID:      j.VoiceID,
		TextChars:    len(seg.Text),
		Sources:      resolved.Counts,
		FallbackUsed: resolved.FallbackUsed(),
	}
	if err := w.cache.Put(seg.CacheKey, ogg, meta); err != nil {
		return segmentResult{}, fmt.Errorf("cache: %w", err)
	}
	durationMS := int64(0)
	if d, err := w.codec.Duration(ctx, w.cache.Path(seg.CacheKey)); err == nil {
		durationMS = d.Milliseconds()
	}

	return segmentResult{
		durationMS:   durationMS,
		fallbackUsed: resolved.FallbackUsed(),
		usedQuality:  usedQuality,
	}, nil
}

// commit writes the outcome back, honoring the claim epoch: if the claim
// expired and someone else re-claimed the segment, this result is stale
// and must be dropped.
func (w *Worker) commit(ctx context.Context, ref job.SegmentRef, epoch int64, result segmentResult, procErr error) {
	valid, err := w.backend.ValidateClaim(ctx, ref, epoch)
	if err != nil {
		w.log.Warn("validate claim failed", "ref", ref.String(), "error", err)
		return
	}
	if !valid {
		w.log.Warn("dropping stale commit", "ref", ref.String(), "epoch", epoch)
		return
	}

	requeue := false
	_, err = w.backend.UpdateJob(ctx, ref.JobID, func(j *job.Job) error {
		s, err := j.Segment(ref.Index)
		if err != nil {
			return err
		}
		// Cancel may have flipped the segment while we were synthesizing.
		if s.Status != job.SegmentRunning {
			return nil
		}
		now := time.Now().UTC()
		s.UpdatedAt = now

		if procErr == nil {
			// Attempts counts completed processing runs. A claim that
			// never commits (worker died, result dropped as stale) leaves
			// the counter alone, so a reclaimed segment that then
			// succeeds lands on one attempt.
			s.Attempts++
			s.Status = job.SegmentReady
			s.Error = ""
			s.DurationMS = result.durationMS
			s.FallbackUsed = result.fallbackUsed
			s.UsedQuality = result.usedQuality
			w.metrics.RecordSegmentDone(ctx, string(job.SegmentReady))
			return nil
		}

		if errors.Is(procErr, context.Canceled) {
			s.Status = job.SegmentCancelled
			w.metrics.RecordSegmentDone(ctx, string(job.SegmentCancelled))
			return nil
		}

		s.Attempts++
		if s.Attempts <= w.cfg.MaxRetries {
			s.Status = job.SegmentQueued
			s.Error = procErr.Error()
			requeue = true
			w.metrics.RecordRetry(ctx, false)
			return nil
		}
		s.Status = job.SegmentError
		s.Error = procErr.Error()
		w.metrics.RecordRetry(ctx, true)
		w.metrics.RecordSegmentDone(ctx, string(job.SegmentError))
		return nil
	})
	if err != nil {
		w.log.Warn("commit failed", "ref", ref.String(), "error", err)
		return
	}

	if procErr != nil && !errors.Is(procErr, context.Canceled) {
		w.log.Warn("segment failed",
			"ref", ref.String(),
			"requeued", requeue,
			"error", procErr,
		)
	} else if procErr == nil {
		w.log.Info("segment ready",
			"ref", ref.String(),
			"duration_ms", result.durationMS,
			"cache_hit", result.cacheHit,
			"quality_fallback", result.usedQuality,
		)
	}

	if requeue {
		if err := w.backend.Enqueue(ctx, ref); err != nil {
			w.log.Warn("requeue failed", "ref", ref.String(), "error", err)
		}
		return
	}
	if _, err := w.manager.FinalizeIfSettled(ctx, ref.JobID); err != nil {
		w.log.Warn("finalize failed", "job", ref.JobID, "error", err)
	}
}
