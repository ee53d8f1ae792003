// Package merge assembles per-segment audio into one chapter file with
// punctuation-aware silence between segments.
package merge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/pronouncex/internal/cache"
	"github.com/example/pronouncex/internal/codec"
	"github.com/example/pronouncex/internal/job"
	"github.com/example/pronouncex/internal/observe"
)

var (
	// ErrInProgress is returned when another process holds the job's
	// merge lock.
	ErrInProgress = errors.New("merge already in progress")
	// ErrNothingToMerge is returned when a job has no ready segments.
	ErrNothingToMerge = errors.New("no ready segments to merge")
)

// Silence classes between segments, scaled by the job's pause_scale.
// A segment ending a sentence gets the long pause; clause punctuation
// gets the medium one; everything else a short breath.
const (
	PauseSentence = 350 * time.Millisecond
	PauseClause   = 150 * time.Millisecond
	PauseOther    = 60 * time.Millisecond

	// errorGap stands in for a segment that failed synthesis, so the
	// listener hears a beat of silence instead of a missing span.
	errorGap = 600 * time.Millisecond
)

const (
	lockTTL = 10 * time.Minute

	// lockWaitDefault bounds how long a request waits on a contended
	// merge lock before giving up with ErrInProgress.
	lockWaitDefault  = 30 * time.Second
	lockPollInterval = 250 * time.Millisecond
)

// GapAfter returns the silence to insert after a segment, based on its
// trailing punctuation. The tight quote mode clamps the sentence pause
// to the clause pause when the segment ends inside a closing quote, so
// quoted dialogue keeps its rhythm.
func GapAfter(segmentText string, pauseScale float64, quoteMode string) time.Duration {
	if pauseScale <= 0 {
		pauseScale = 1.0
	}
	unpadded := strings.TrimRight(segmentText, " \t")
	quoted := strings.HasSuffix(unpadded, `"`) || strings.HasSuffix(unpadded, "'") ||
		strings.HasSuffix(unpadded, "”") || strings.HasSuffix(unpadded, "’")
	trimmed := strings.TrimRight(unpadded, "\"')]”’")
	var base time.Duration
	if trimmed == "" {
		base = PauseOther
	} else {
		switch trimmed[len(trimmed)-1] {
		case '.', '!', '?':
			base = PauseSentence
		case ',', ';', ':':
			base = PauseClause
		default:
			base = PauseOther
		}
	}
	if quoteMode == job.QuoteTight && quoted && base == PauseSentence {
		base = PauseClause
	}
	return time.Duration(float64(base) * pauseScale)
}

// Key fingerprints a merge: the ordered segment cache keys plus the
// pause scale. Jobs resolving to the same audio share one merged file.
func Key(cacheKeys []string, pauseScale float64) string {
	if pauseScale <= 0 {
		pauseScale = 1.0
	}
	h := sha256.New()
	for _, k := range cacheKeys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	h.Write([]byte(strconv.FormatFloat(pauseScale, 'f', 3, 64)))
	return hex.EncodeToString(h.Sum(nil))
}

// Meta is the sidecar written next to each merged file.
type Meta struct {
	MergeKey    string    `json:"merge_key"`
	JobID       string    `json:"job_id"`
	Segments    int       `json:"segments"`
	ReadyCount  int       `json:"ready_count"`
	ErroredGaps int       `json:"errored_gaps"`
	PauseScale  float64   `json:"pause_scale"`
	CreatedAt   time.Time `json:"created_at"`
}

// Option configures the merger.
type Option func(*Merger)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Merger) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics wires metric instruments.
func WithMetrics(metrics *observe.Metrics) Option {
	return func(m *Merger) { m.metrics = metrics }
}

// WithLockWait overrides how long Merge waits on a contended lock.
func WithLockWait(d time.Duration) Option {
	return func(m *Merger) {
		if d > 0 {
			m.lockWait = d
		}
	}
}

// Merger builds merged chapter files under dir, coordinating through
// the backend's per-job merge lock.
type Merger struct {
	cache      *cache.Store
	codec      codec.Codec
	backend    job.Backend
	dir        string
	lockWait   time.Duration
	contention atomic.Int64
	metrics    *observe.Metrics
	log        *slog.Logger
}

// New creates a merger writing merged files under dir.
func New(cacheStore *cache.Store, cod codec.Codec, backend job.Backend, dir string, opts ...Option) (*Merger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create merge dir: %w", err)
	}
	m := &Merger{
		cache:    cacheStore,
		codec:    cod,
		backend:  backend,
		dir:      dir,
		lockWait: lockWaitDefault,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Path returns the merged file location for a merge key.
func (m *Merger) Path(key string) string {
	return filepath.Join(m.dir, key+".ogg")
}

func (m *Merger) metaPath(key string) string {
	return filepath.Join(m.dir, key+".meta.json")
}

// ContentionCount reports how many merges hit a held lock since start.
func (m *Merger) ContentionCount() int64 {
	return m.contention.Load()
}

// Merge produces (or reuses) the merged file for a settled job and
// returns its merge key. A contended merge lock is waited on up to the
// lock wait budget; if the holder publishes the file meanwhile the same
// key is returned. Only a wait that times out yields ErrInProgress.
func (m *Merger) Merge(ctx context.Context, j *job.Job) (string, error) {
	if !j.Settled() {
		return "", job.ErrJobNotSettled
	}
	counts := j.SegmentCounts()
	if counts.Ready == 0 {
		return "", ErrNothingToMerge
	}

	keys := make([]string, len(j.Segments))
	for i, seg := range j.Segments {
		keys[i] = seg.CacheKey
	}
	mergeKey := Key(keys, j.PauseScale)
	outPath := m.Path(mergeKey)

	if _, err := os.Stat(outPath); err == nil {
		return mergeKey, nil
	}

	release, acquired, published, err := m.acquireLock(ctx, j.ID, outPath)
	if err != nil {
		return "", err
	}
	if published {
		return mergeKey, nil
	}
	if !acquired {
		return "", fmt.Errorf("%w: job %s", ErrInProgress, j.ID)
	}
	defer release()

	// Re-check under the lock; the previous holder may have finished.
	if _, err := os.Stat(outPath); err == nil {
		return mergeKey, nil
	}

	start := time.Now()
	erroredGaps, err := m.assemble(ctx, j, mergeKey, outPath)
	if err != nil {
		return "", err
	}
	m.metrics.RecordMergeDuration(ctx, time.Since(start).Seconds())
	m.log.Info("chapter merged",
		"job", j.ID,
		"merge_key", mergeKey,
		"segments", counts.Total,
		"errored_gaps", erroredGaps,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return mergeKey, nil
}

// acquireLock takes the job's merge lock, polling up to the lock wait
// budget when another holder has it. If the holder publishes the merged
// file while we wait, published is reported instead of a lock.
func (m *Merger) acquireLock(ctx context.Context, jobID, outPath string) (release func(), acquired, published bool, err error) {
	release, acquired, err = m.backend.TryMergeLock(ctx, jobID, lockTTL)
	if err != nil || acquired {
		return release, acquired, false, err
	}
	m.contention.Add(1)
	m.metrics.RecordMergeContention(ctx)

	interval := lockPollInterval
	if m.lockWait < interval {
		interval = m.lockWait
	}
	deadline := time.Now().Add(m.lockWait)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false, false, ctx.Err()
		case <-ticker.C:
		}
		if _, statErr := os.Stat(outPath); statErr == nil {
			return nil, false, true, nil
		}
		release, acquired, err = m.backend.TryMergeLock(ctx, jobID, lockTTL)
		if err != nil {
			return nil, false, false, err
		}
		if acquired {
			return release, true, false, nil
		}
		if time.Now().After(deadline) {
			return nil, false, false, nil
		}
	}
}

func (m *Merger) assemble(ctx context.Context, j *job.Job, mergeKey, outPath string) (int, error) {
	workDir, err := os.MkdirTemp(m.dir, "merge-*")
	if err != nil {
		return 0, fmt.Errorf("merge workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	silences := map[time.Duration]string{}
	silenceFor := func(d time.Duration) (string, error) {
		if d <= 0 {
			d = PauseOther
		}
		if path, ok := silences[d]; ok {
			return path, nil
		}
		path := filepath.Join(workDir, fmt.Sprintf("silence-%d.ogg", d.Milliseconds()))
		if err := m.codec.Silence(ctx, d, path); err != nil {
			return "", fmt.Errorf("generate silence: %w", err)
		}
		silences[d] = path
		return path, nil
	}

	var inputs []string
	erroredGaps := 0
	for i, seg := range j.Segments {
		switch seg.Status {
		case job.SegmentReady:
			path := m.cache.Path(seg.CacheKey)
			if _, err := os.Stat(path); err != nil {
				// Evicted between settle and merge; degrade to a gap.
				m.log.Warn("ready segment missing from cache, inserting gap",
					"job", j.ID, "segment", seg.Index)
				gap, err := silenceFor(time.Duration(float64(errorGap) * j.PauseScale))
				if err != nil {
					return 0, err
				}
				inputs = append(inputs, gap)
				erroredGaps++
			} else {
				inputs = append(inputs, path)
			}
		case job.SegmentError:
			gap, err := silenceFor(time.Duration(float64(errorGap) * j.PauseScale))
			if err != nil {
				return 0, err
			}
			inputs = append(inputs, gap)
			erroredGaps++
		default:
			// Cancelled segments are skipped entirely.
			continue
		}

		if i < len(j.Segments)-1 {
			gap, err := silenceFor(GapAfter(seg.Text, j.PauseScale, j.QuoteMode))
			if err != nil {
				return 0, err
			}
			inputs = append(inputs, gap)
		}
	}
	if len(inputs) == 0 {
		return 0, ErrNothingToMerge
	}

	tmpOut := filepath.Join(workDir, "out.ogg")
	if err := m.codec.Concat(ctx, inputs, tmpOut); err != nil {
		return 0, fmt.Errorf("concat: %w", err)
	}
	if err := os.Rename(tmpOut, outPath); err != nil {
		return 0, fmt.Errorf("publish merged file: %w", err)
	}

	counts := j.SegmentCounts()
	meta := Meta{
		MergeKey:    mergeKey,
		JobID:       j.ID,
		Segments:    counts.Total,
		ReadyCount:  counts.Ready,
		ErroredGaps: erroredGaps,
		PauseScale:  j.PauseScale,
		CreatedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("encode merge sidecar: %w", err)
	}
	tmpMeta := m.metaPath(mergeKey) + ".tmp"
	if err := os.WriteFile(tmpMeta, payload, 0o644); err != nil {
		return 0, fmt.Errorf("write merge sidecar: %w", err)
	}
	if err := os.Rename(tmpMeta, m.metaPath(mergeKey)); err != nil {
		return 0, fmt.Errorf("publish merge sidecar: %w", err)
	}
	return erroredGaps, nil
}

// OpenMerged opens the merged file for a key.
func (m *Merger) OpenMerged(key string) (*os.File, error) {
	return os.Open(m.Path(key))
}

// ReadMeta loads the sidecar for a merged file.
func (m *Merger) ReadMeta(key string) (Meta, error) {
	raw, err := os.ReadFile(m.metaPath(key))
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, fmt.Errorf("decode merge sidecar: %w", err)
	}
	return meta, nil
}
