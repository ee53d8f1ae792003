package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/pronouncex/internal/cache"
	"github.com/example/pronouncex/internal/config"
	"github.com/example/pronouncex/internal/dict"
	"github.com/example/pronouncex/internal/observe"
	"github.com/example/pronouncex/internal/text"
)

var (
	// ErrTextTooLong is returned when the submitted text exceeds the
	// admission limit.
	ErrTextTooLong = errors.New("text too long")
	// ErrTooManySegments is returned when chunking produces more
	// segments than a job may carry.
	ErrTooManySegments = errors.New("too many segments")
	// ErrTooManyJobs is returned when all admission slots are taken.
	ErrTooManyJobs = errors.New("too many active jobs")
	// ErrNoWorkers is returned when admission requires a live worker
	// and none is heartbeating.
	ErrNoWorkers = errors.New("no workers available")
	// ErrModelNotAllowed is returned for model IDs outside the allowlist.
	ErrModelNotAllowed = errors.New("model not allowed")
	// ErrInvalidProfile is returned for reading-profile values outside
	// the enumerated modes.
	ErrInvalidProfile = errors.New("invalid reading profile")
	// ErrJobTerminal is returned when an operation needs a live job.
	ErrJobTerminal = errors.New("job already terminal")
	// ErrJobNotSettled is returned when a merge is requested before all
	// segments are terminal.
	ErrJobNotSettled = errors.New("job not settled")
)

const sweeperClaimant = "sweeper"

// SubmitRequest is one chapter submission.
type SubmitRequest struct {
	Text           string
	ModelID        string
	VoiceID        string
	PauseScale     float64
	Speed          float64
	QuoteMode      string
	AcronymMode    string
	NumberMode     string
	PreferPhonemes bool
	IdempotencyKey string
}

// SubmitResult reports the admitted (or replayed) job.
type SubmitResult struct {
	Job       *Job
	Replayed  bool // true when the idempotency key matched a prior job
	CacheHits int
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithManagerLogger overrides the default logger.
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics wires metric instruments.
func WithMetrics(metrics *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// Manager owns admission, cancellation, status, and the maintenance
// sweeps. Workers hand results back through CommitSegment.
type Manager struct {
	backend  Backend
	dicts    *dict.Store
	cache    *cache.Store
	jobs     config.JobsConfig
	chunking config.ChunkingConfig
	models   config.ModelsConfig
	dictsCfg config.DictsConfig
	metrics  *observe.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// NewManager creates a manager over a backend.
func NewManager(backend Backend, dicts *dict.Store, cacheStore *cache.Store, cfg config.Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend:  backend,
		dicts:    dicts,
		cache:    cacheStore,
		jobs:     cfg.Jobs,
		chunking: cfg.Chunking,
		models:   cfg.Models,
		dictsCfg: cfg.Dicts,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backend exposes the coordination layer to the worker and server.
func (m *Manager) Backend() Backend { return m.backend }

func (m *Manager) modelAllowed(modelID string) bool {
	if len(m.models.Allowlist) == 0 {
		return true
	}
	for _, allowed := range m.models.Allowlist {
		if allowed == modelID {
			return true
		}
	}
	return false
}

// Submit validates, chunks, fingerprints, and enqueues one chapter.
// Cached segments are marked ready up front and never hit the queue.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	normalized, err := text.Normalize(req.Text)
	if err != nil {
		m.metrics.RecordRejection(ctx, "empty_text")
		return nil, err
	}
	if len(normalized) > m.jobs.MaxTextChars {
		m.metrics.RecordRejection(ctx, "text_too_long")
		return nil, fmt.Errorf("%w: %d chars (limit %d)", ErrTextTooLong, len(normalized), m.jobs.MaxTextChars)
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = m.models.ModelID
	}
	if !m.modelAllowed(modelID) {
		m.metrics.RecordRejection(ctx, "model_not_allowed")
		return nil, fmt.Errorf("%w: %s", ErrModelNotAllowed, modelID)
	}
	pauseScale := req.PauseScale
	if pauseScale <= 0 {
		pauseScale = 1.0
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}
	quoteMode, err := normalizeMode(req.QuoteMode, QuoteNormal, QuoteTight)
	if err != nil {
		m.metrics.RecordRejection(ctx, "invalid_profile")
		return nil, fmt.Errorf("%w: quote_mode %q", ErrInvalidProfile, req.QuoteMode)
	}
	acronymMode, err := normalizeMode(req.AcronymMode, AcronymOff, AcronymSpell)
	if err != nil {
		m.metrics.RecordRejection(ctx, "invalid_profile")
		return nil, fmt.Errorf("%w: acronym_mode %q", ErrInvalidProfile, req.AcronymMode)
	}
	numberMode, err := normalizeMode(req.NumberMode, NumberCardinal, NumberOrdinal, NumberYear)
	if err != nil {
		m.metrics.RecordRejection(ctx, "invalid_profile")
		return nil, fmt.Errorf("%w: number_mode %q", ErrInvalidProfile, req.NumberMode)
	}

	chunks := text.Chunk(normalized, text.ChunkOptions{
		TargetChars:     m.chunking.TargetChars,
		MaxChars:        m.chunking.MaxChars,
		MinSegmentChars: m.chunking.MinSegmentChars,
	})
	if len(chunks) > m.jobs.MaxSegments {
		m.metrics.RecordRejection(ctx, "too_many_segments")
		return nil, fmt.Errorf("%w: %d segments (limit %d)", ErrTooManySegments, len(chunks), m.jobs.MaxSegments)
	}

	if m.jobs.RequireWorkers {
		online, err := m.backend.WorkersOnline(ctx)
		if err != nil {
			return nil, fmt.Errorf("count workers: %w", err)
		}
		if online == 0 {
			m.metrics.RecordRejection(ctx, "no_workers")
			return nil, ErrNoWorkers
		}
	}

	granted, err := m.backend.IncrActive(ctx, m.jobs.MaxActiveJobs)
	if err != nil {
		return nil, fmt.Errorf("admission slot: %w", err)
	}
	if !granted {
		m.metrics.RecordRejection(ctx, "too_many_jobs")
		return nil, ErrTooManyJobs
	}
	admitted := false
	defer func() {
		if !admitted {
			if err := m.backend.DecrActive(context.WithoutCancel(ctx)); err != nil {
				m.log.Warn("release admission slot failed", "error", err)
			}
		}
	}()

	jobID := uuid.NewString()
	if req.IdempotencyKey != "" {
		ttl := time.Duration(m.jobs.IdempotencyTTL) * time.Second
		existing, created, err := m.backend.Idempotency(ctx, req.IdempotencyKey, jobID, ttl)
		if err != nil {
			return nil, err
		}
		if !created {
			prior, err := m.backend.GetJob(ctx, existing)
			if err != nil {
				return nil, fmt.Errorf("idempotent replay: %w", err)
			}
			return &SubmitResult{Job: prior, Replayed: true}, nil
		}
	}

	versions := m.dicts.Versions()
	now := m.now().UTC()
	j := &Job{
		ID:             jobID,
		Status:         StatusQueued,
		ModelID:        modelID,
		VoiceID:        req.VoiceID,
		PauseScale:     pauseScale,
		Speed:          speed,
		QuoteMode:      quoteMode,
		AcronymMode:    acronymMode,
		NumberMode:     numberMode,
		PreferPhonemes: req.PreferPhonemes,
		PackVersions:   versions,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	cacheHits := 0
	var pending []SegmentRef
	for i, chunk := range chunks {
		segText := text.NormalizeSegment(chunk)
		key := cache.Fingerprint{
			ModelID:         modelID,
			VoiceID:         req.VoiceID,
			Text:            segText,
			PackVersions:    versions,
			PauseScale:      pauseScale,
			Speed:           speed,
			QuoteMode:       quoteMode,
			AcronymMode:     acronymMode,
			NumberMode:      numberMode,
			CompilerVersion: m.dictsCfg.CompilerVersion,
			PhonemeMode:     m.dictsCfg.PhonemeMode,
		}.Key()
		seg := Segment{
			Index:     i,
			Text:      segText,
			CacheKey:  key,
			Status:    SegmentQueued,
			UpdatedAt: now,
		}
		if meta, _, err := m.cache.Stat(key); err == nil {
			seg.Status = SegmentReady
			seg.DurationMS = meta.DurationMS
			seg.FallbackUsed = meta.FallbackUsed
			cacheHits++
			m.metrics.RecordCacheLookup(ctx, true)
		} else {
			pending = append(pending, SegmentRef{JobID: jobID, Index: i})
			m.metrics.RecordCacheLookup(ctx, false)
		}
		j.Segments = append(j.Segments, seg)
	}

	if len(pending) == 0 {
		j.Status = StatusDone
	}

	if err := m.backend.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		// Fully served from cache; the slot frees immediately.
		m.metrics.RecordAdmission(ctx)
		m.metrics.RecordJobSettled(ctx)
		m.log.Info("job admitted fully cached", "job", jobID, "segments", len(chunks))
		return &SubmitResult{Job: j, CacheHits: cacheHits}, nil
	}

	if err := m.backend.Enqueue(ctx, pending...); err != nil {
		return nil, fmt.Errorf("enqueue segments: %w", err)
	}
	admitted = true
	m.metrics.RecordAdmission(ctx)
	m.log.Info("job admitted",
		"job", jobID,
		"segments", len(chunks),
		"cache_hits", cacheHits,
		"model", modelID,
	)
	return &SubmitResult{Job: j, CacheHits: cacheHits}, nil
}

// Get returns the job.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.backend.GetJob(ctx, id)
}

// Cancel moves a live job and its unfinished segments to cancelled.
// Workers holding claims observe the status on their next checkpoint and
// abandon the segment. Cancelling a terminal job is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) (*Job, error) {
	released := false
	j, err := m.backend.UpdateJob(ctx, id, func(j *Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = StatusCancelled
		for i := range j.Segments {
			if !j.Segments[i].Status.Terminal() {
				j.Segments[i].Status = SegmentCancelled
				j.Segments[i].UpdatedAt = m.now().UTC()
			}
		}
		if !j.SlotReleased {
			j.SlotReleased = true
			released = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if released {
		if err := m.backend.DecrActive(ctx); err != nil {
			m.log.Warn("release admission slot failed", "job", id, "error", err)
		}
		m.metrics.RecordJobSettled(ctx)
		m.log.Info("job cancelled", "job", id)
	}
	return j, nil
}

// FinalizeIfSettled promotes a job whose segments are all terminal to
// its terminal status and releases its admission slot exactly once.
func (m *Manager) FinalizeIfSettled(ctx context.Context, id string) (*Job, error) {
	released := false
	j, err := m.backend.UpdateJob(ctx, id, func(j *Job) error {
		if j.Status.Terminal() || !j.Settled() {
			return nil
		}
		counts := j.SegmentCounts()
		switch {
		case counts.Cancelled == counts.Total:
			j.Status = StatusCancelled
		case counts.Ready == 0 && counts.Errored > 0:
			j.Status = StatusError
			j.Error = "all segments failed"
		default:
			// Partial failures still complete: the merge inserts gaps
			// for errored segments.
			j.Status = StatusDone
		}
		if !j.SlotReleased {
			j.SlotReleased = true
			released = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if released {
		if err := m.backend.DecrActive(ctx); err != nil {
			m.log.Warn("release admission slot failed", "job", id, "error", err)
		}
		m.metrics.RecordJobSettled(ctx)
		m.log.Info("job settled",
			"job", id,
			"status", string(j.Status),
			"ready", j.SegmentCounts().Ready,
			"errored", j.SegmentCounts().Errored,
		)
	}
	return j, nil
}

// Sweep performs one maintenance pass: expire jobs past their TTL,
// reclaim segments whose worker died mid-claim, and fail jobs stuck
// queued with nobody to serve them.
func (m *Manager) Sweep(ctx context.Context) error {
	ids, err := m.backend.ListJobIDs(ctx)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	ttl := time.Duration(m.jobs.TTLSeconds) * time.Second
	staleQueued := time.Duration(m.jobs.StaleQueuedSeconds) * time.Second

	for _, id := range ids {
		j, err := m.backend.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return err
		}

		if j.Status.Terminal() {
			if ttl > 0 && now.Sub(j.UpdatedAt) > ttl {
				if err := m.backend.DeleteJob(ctx, id); err != nil {
					m.log.Warn("expire job failed", "job", id, "error", err)
				} else {
					m.log.Info("job expired", "job", id, "age", now.Sub(j.UpdatedAt).String())
				}
			}
			continue
		}

		if err := m.reclaimStaleSegments(ctx, j); err != nil {
			m.log.Warn("reclaim pass failed", "job", id, "error", err)
		}

		if staleQueued > 0 && now.Sub(j.UpdatedAt) > staleQueued {
			counts := j.SegmentCounts()
			if counts.Running == 0 && counts.Queued > 0 {
				online, err := m.backend.WorkersOnline(ctx)
				if err == nil && online == 0 {
					m.failStuckJob(ctx, id)
				}
			}
		}
	}
	return nil
}

// reclaimStaleSegments re-enqueues running segments whose claim expired.
// Claiming with the sweeper's own identity doubles as the liveness
// check: success means the worker's claim is gone.
func (m *Manager) reclaimStaleSegments(ctx context.Context, j *Job) error {
	graceTTL := 2 * time.Duration(m.jobs.SegmentStaleSeconds) * time.Second
	for _, seg := range j.Segments {
		if seg.Status != SegmentRunning {
			continue
		}
		if m.now().Sub(seg.UpdatedAt) < time.Duration(m.jobs.SegmentStaleSeconds)*time.Second {
			continue
		}
		ref := SegmentRef{JobID: j.ID, Index: seg.Index}
		epoch, ok, err := m.backend.Claim(ctx, ref, sweeperClaimant, graceTTL)
		if err != nil {
			return err
		}
		if !ok {
			continue // worker still alive
		}

		index := seg.Index
		requeue := false
		_, err = m.backend.UpdateJob(ctx, j.ID, func(j *Job) error {
			s, err := j.Segment(index)
			if err != nil {
				return err
			}
			if s.Status != SegmentRunning {
				return nil
			}
			if s.Attempts > m.jobs.SegmentMaxRetries {
				s.Status = SegmentError
				s.Error = "worker lost; retry cap reached"
				s.UpdatedAt = m.now().UTC()
				m.metrics.RecordRetry(ctx, true)
				m.metrics.RecordSegmentDone(ctx, string(SegmentError))
				return nil
			}
			s.Status = SegmentQueued
			s.UpdatedAt = m.now().UTC()
			requeue = true
			m.metrics.RecordRetry(ctx, false)
			return nil
		})
		if releaseErr := m.backend.ReleaseClaim(ctx, ref, epoch); releaseErr != nil {
			m.log.Warn("release sweep claim failed", "ref", ref.String(), "error", releaseErr)
		}
		if err != nil {
			return err
		}
		if requeue {
			if err := m.backend.Enqueue(ctx, ref); err != nil {
				return err
			}
			m.log.Info("segment reclaimed", "ref", ref.String())
		}
		if _, err := m.FinalizeIfSettled(ctx, j.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) failStuckJob(ctx context.Context, id string) {
	released := false
	_, err := m.backend.UpdateJob(ctx, id, func(j *Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = StatusError
		j.Error = "queued past deadline with no workers online"
		for i := range j.Segments {
			if !j.Segments[i].Status.Terminal() {
				j.Segments[i].Status = SegmentError
				j.Segments[i].Error = "no workers online"
				j.Segments[i].UpdatedAt = m.now().UTC()
			}
		}
		if !j.SlotReleased {
			j.SlotReleased = true
			released = true
		}
		return nil
	})
	if err != nil {
		m.log.Warn("fail stuck job", "job", id, "error", err)
		return
	}
	if released {
		if err := m.backend.DecrActive(ctx); err != nil {
			m.log.Warn("release admission slot failed", "job", id, "error", err)
		}
		m.metrics.RecordJobSettled(ctx)
		m.log.Warn("job failed: stale queue", "job", id)
	}
}

// normalizeMode maps an empty value to the default and rejects anything
// outside the allowed set.
func normalizeMode(val, def string, extra ...string) (string, error) {
	if val == "" || val == def {
		return def, nil
	}
	for _, allowed := range extra {
		if val == allowed {
			return val, nil
		}
	}
	return "", ErrInvalidProfile
}

// RunSweeper runs Sweep on an interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.log.Warn("sweep failed", "error", err)
			}
		}
	}
}
