package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrSegmentNotFound is returned for out-of-range segment indexes.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrJobExists is returned when creating a job with a taken ID.
	ErrJobExists = errors.New("job already exists")
	// ErrQueueFull is returned when the in-memory queue is saturated.
	ErrQueueFull = errors.New("queue full")
)

// Backend is the persistence and coordination layer behind the job
// manager and workers. The memory implementation serves single-process
// deployments; the Redis implementation coordinates an API node with a
// fleet of worker processes.
type Backend interface {
	// CreateJob stores a new job. The ID must be unused.
	CreateJob(ctx context.Context, j *Job) error
	// GetJob returns a copy of the job.
	GetJob(ctx context.Context, id string) (*Job, error)
	// UpdateJob applies fn atomically against the latest job state and
	// persists the result. fn returning an error aborts the update.
	UpdateJob(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	// ListJobIDs returns the IDs of all stored jobs.
	ListJobIDs(ctx context.Context) ([]string, error)
	// DeleteJob removes a job and its queue bookkeeping.
	DeleteJob(ctx context.Context, id string) error

	// Enqueue pushes segment refs onto the work queue.
	Enqueue(ctx context.Context, refs ...SegmentRef) error
	// Dequeue pops one ref, blocking up to timeout. The second return
	// is false when the timeout elapsed with an empty queue.
	Dequeue(ctx context.Context, timeout time.Duration) (SegmentRef, bool, error)
	// QueueLen reports the number of queued segment refs.
	QueueLen(ctx context.Context) (int, error)

	// Claim takes exclusive ownership of a segment for ttl. The epoch
	// is unique per successful claim; a commit carrying a stale epoch
	// must be rejected via ValidateClaim.
	Claim(ctx context.Context, ref SegmentRef, workerID string, ttl time.Duration) (epoch int64, ok bool, err error)
	// ValidateClaim reports whether epoch is still the live claim on ref.
	ValidateClaim(ctx context.Context, ref SegmentRef, epoch int64) (bool, error)
	// ReleaseClaim drops the claim if epoch is still live.
	ReleaseClaim(ctx context.Context, ref SegmentRef, epoch int64) error

	// TryMergeLock takes the per-job merge lock. On success the caller
	// must invoke the release func. ok is false when another merger
	// holds the lock.
	TryMergeLock(ctx context.Context, jobID string, ttl time.Duration) (release func(), ok bool, err error)

	// Heartbeat refreshes this worker's liveness record.
	Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error
	// WorkersOnline counts workers with a live heartbeat.
	WorkersOnline(ctx context.Context) (int, error)

	// IncrActive increments the active-job counter unless it would
	// exceed max; ok reports whether the slot was granted.
	IncrActive(ctx context.Context, max int) (ok bool, err error)
	// DecrActive releases one active-job slot.
	DecrActive(ctx context.Context) error

	// Idempotency records key -> jobID with a TTL. When the key is
	// already bound, the existing job ID is returned with created=false.
	Idempotency(ctx context.Context, key, jobID string, ttl time.Duration) (existingID string, created bool, err error)
}
