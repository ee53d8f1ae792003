package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultQueueCapacity = 4096

type memClaim struct {
	workerID string
	epoch    int64
	expires  time.Time
}

// Memory is the single-process Backend: jobs in a map, the queue on a
// buffered channel, claims and locks with in-memory expiry. It provides
// the same semantics as the Redis backend so the manager and workers do
// not care which one they run against. With a journal directory
// configured, every job record is mirrored to disk so a restart can pick
// up where it left off.
type Memory struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	claims     map[SegmentRef]memClaim
	mergeLocks map[string]time.Time
	heartbeats map[string]time.Time
	idem       map[string]memIdem
	epoch      int64
	active     int

	journalDir string
	queue      chan SegmentRef
	now        func() time.Time
	log        *slog.Logger
}

type memIdem struct {
	jobID   string
	expires time.Time
}

// MemoryOption configures the in-process backend.
type MemoryOption func(*Memory)

// WithJournal mirrors job records to JSON files under dir and replays
// them on construction.
func WithJournal(dir string) MemoryOption {
	return func(m *Memory) { m.journalDir = dir }
}

// WithMemoryLogger overrides the default logger.
func WithMemoryLogger(log *slog.Logger) MemoryOption {
	return func(m *Memory) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMemory creates the in-process backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		jobs:       map[string]*Job{},
		claims:     map[SegmentRef]memClaim{},
		mergeLocks: map[string]time.Time{},
		heartbeats: map[string]time.Time{},
		idem:       map[string]memIdem{},
		queue:      make(chan SegmentRef, defaultQueueCapacity),
		now:        time.Now,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.journalDir != "" {
		if err := m.replayJournal(); err != nil {
			m.log.Warn("journal replay failed", "dir", m.journalDir, "error", err)
		}
	}
	return m
}

// replayJournal loads journaled jobs back into memory. Running segments
// are demoted to queued since their claims died with the process, and
// every queued segment of a live job goes back on the queue.
func (m *Memory) replayJournal() error {
	if err := os.MkdirAll(m.journalDir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(m.journalDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.journalDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			m.log.Warn("journal entry unreadable", "path", path, "error", err)
			continue
		}
		var j Job
		if err := json.Unmarshal(raw, &j); err != nil {
			m.log.Warn("journal entry corrupt", "path", path, "error", err)
			continue
		}
		if j.ID == "" {
			continue
		}
		if !j.Status.Terminal() {
			for i := range j.Segments {
				if j.Segments[i].Status == SegmentRunning {
					j.Segments[i].Status = SegmentQueued
				}
				if j.Segments[i].Status == SegmentQueued {
					select {
					case m.queue <- SegmentRef{JobID: j.ID, Index: j.Segments[i].Index}:
					default:
						m.log.Warn("journal replay overflowed the queue", "job", j.ID)
					}
				}
			}
			if !j.SlotReleased {
				m.active++
			}
		}
		m.jobs[j.ID] = &j
	}
	return nil
}

func (m *Memory) journalPath(id string) string {
	return filepath.Join(m.journalDir, id+".json")
}

// persistLocked mirrors one job to the journal. Best effort: a full disk
// must not fail the in-memory update.
func (m *Memory) persistLocked(j *Job) {
	if m.journalDir == "" {
		return
	}
	payload, err := json.Marshal(j)
	if err != nil {
		m.log.Warn("journal encode failed", "job", j.ID, "error", err)
		return
	}
	tmp := m.journalPath(j.ID) + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		m.log.Warn("journal write failed", "job", j.ID, "error", err)
		return
	}
	if err := os.Rename(tmp, m.journalPath(j.ID)); err != nil {
		m.log.Warn("journal publish failed", "job", j.ID, "error", err)
	}
}

func (m *Memory) CreateJob(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, j.ID)
	}
	m.jobs[j.ID] = cloneJob(j)
	m.persistLocked(j)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return cloneJob(j), nil
}

func (m *Memory) UpdateJob(_ context.Context, id string, fn func(*Job) error) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err := fn(j); err != nil {
		return nil, err
	}
	j.UpdatedAt = m.now().UTC()
	m.persistLocked(j)
	return cloneJob(j), nil
}

func (m *Memory) ListJobIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	for ref := range m.claims {
		if ref.JobID == id {
			delete(m.claims, ref)
		}
	}
	delete(m.mergeLocks, id)
	if m.journalDir != "" {
		if err := os.Remove(m.journalPath(id)); err != nil && !os.IsNotExist(err) {
			m.log.Warn("journal remove failed", "job", id, "error", err)
		}
	}
	return nil
}

func (m *Memory) Enqueue(_ context.Context, refs ...SegmentRef) error {
	for _, ref := range refs {
		select {
		case m.queue <- ref:
		default:
			return ErrQueueFull
		}
	}
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, timeout time.Duration) (SegmentRef, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ref := <-m.queue:
		return ref, true, nil
	case <-timer.C:
		return SegmentRef{}, false, nil
	case <-ctx.Done():
		return SegmentRef{}, false, ctx.Err()
	}
}

func (m *Memory) QueueLen(_ context.Context) (int, error) {
	return len(m.queue), nil
}

func (m *Memory) Claim(_ context.Context, ref SegmentRef, workerID string, ttl time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[ref]; ok && m.now().Before(c.expires) {
		return 0, false, nil
	}
	m.epoch++
	m.claims[ref] = memClaim{workerID: workerID, epoch: m.epoch, expires: m.now().Add(ttl)}
	return m.epoch, true, nil
}

func (m *Memory) ValidateClaim(_ context.Context, ref SegmentRef, epoch int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[ref]
	return ok && c.epoch == epoch && m.now().Before(c.expires), nil
}

func (m *Memory) ReleaseClaim(_ context.Context, ref SegmentRef, epoch int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[ref]; ok && c.epoch == epoch {
		delete(m.claims, ref)
	}
	return nil
}

func (m *Memory) TryMergeLock(_ context.Context, jobID string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expires, ok := m.mergeLocks[jobID]; ok && m.now().Before(expires) {
		return nil, false, nil
	}
	expires := m.now().Add(ttl)
	m.mergeLocks[jobID] = expires
	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.mergeLocks[jobID]; ok && cur.Equal(expires) {
			delete(m.mergeLocks, jobID)
		}
	}
	return release, true, nil
}

func (m *Memory) Heartbeat(_ context.Context, workerID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats[workerID] = m.now().Add(ttl)
	return nil
}

func (m *Memory) WorkersOnline(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	online := 0
	for id, expires := range m.heartbeats {
		if m.now().Before(expires) {
			online++
		} else {
			delete(m.heartbeats, id)
		}
	}
	return online, nil
}

func (m *Memory) IncrActive(_ context.Context, max int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max > 0 && m.active >= max {
		return false, nil
	}
	m.active++
	return true, nil
}

func (m *Memory) DecrActive(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active > 0 {
		m.active--
	}
	return nil
}

func (m *Memory) Idempotency(_ context.Context, key, jobID string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.idem[key]; ok && m.now().Before(e.expires) {
		return e.jobID, false, nil
	}
	m.idem[key] = memIdem{jobID: jobID, expires: m.now().Add(ttl)}
	return jobID, true, nil
}

func cloneJob(j *Job) *Job {
	out := *j
	out.Segments = append([]Segment(nil), j.Segments...)
	if j.PackVersions != nil {
		out.PackVersions = make(map[string]string, len(j.PackVersions))
		for k, v := range j.PackVersions {
			out.PackVersions[k] = v
		}
	}
	return &out
}
