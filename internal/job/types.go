// Package job holds the job and segment model, the queue and claim
// backends, and the scheduling logic that drives chapters from admission
// to merged audio.
package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusMerging   Status = "merging"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// SegmentStatus is the per-segment lifecycle state.
type SegmentStatus string

const (
	SegmentQueued    SegmentStatus = "queued"
	SegmentRunning   SegmentStatus = "running"
	SegmentReady     SegmentStatus = "ready"
	SegmentError     SegmentStatus = "error"
	SegmentCancelled SegmentStatus = "cancelled"
)

// Terminal reports whether the segment will not be processed again.
func (s SegmentStatus) Terminal() bool {
	return s == SegmentReady || s == SegmentError || s == SegmentCancelled
}

// Reading profile modes. Empty values normalize to the default of each
// group at admission.
const (
	QuoteNormal = "normal"
	QuoteTight  = "tight"

	AcronymOff   = "off"
	AcronymSpell = "spell"

	NumberCardinal = "cardinal"
	NumberOrdinal  = "ordinal"
	NumberYear     = "year"
)

// Segment is one chunk of a job's text, synthesized independently.
type Segment struct {
	Index        int           `json:"index"`
	Text         string        `json:"text"`
	CacheKey     string        `json:"cache_key"`
	Status       SegmentStatus `json:"status"`
	Attempts     int           `json:"attempts"`
	Error        string        `json:"error,omitempty"`
	DurationMS   int64         `json:"duration_ms,omitempty"`
	FallbackUsed bool          `json:"fallback_used,omitempty"`
	UsedQuality  bool          `json:"used_quality,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Job is one admitted chapter.
type Job struct {
	ID             string            `json:"id"`
	Status         Status            `json:"status"`
	ModelID        string            `json:"model_id"`
	VoiceID        string            `json:"voice_id"`
	PauseScale     float64           `json:"pause_scale"`
	Speed          float64           `json:"speed"`
	QuoteMode      string            `json:"quote_mode,omitempty"`
	AcronymMode    string            `json:"acronym_mode,omitempty"`
	NumberMode     string            `json:"number_mode,omitempty"`
	PreferPhonemes bool              `json:"prefer_phonemes,omitempty"`
	PackVersions   map[string]string `json:"pack_versions"`
	Segments       []Segment         `json:"segments"`
	Error          string            `json:"error,omitempty"`
	MergeKey       string            `json:"merge_key,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	SlotReleased   bool              `json:"slot_released,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Counts summarizes segment states for status reporting.
type Counts struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Ready     int `json:"ready"`
	Errored   int `json:"errored"`
	Cancelled int `json:"cancelled"`
}

// SegmentCounts tallies the job's segments by state.
func (j *Job) SegmentCounts() Counts {
	c := Counts{Total: len(j.Segments)}
	for _, s := range j.Segments {
		switch s.Status {
		case SegmentQueued:
			c.Queued++
		case SegmentRunning:
			c.Running++
		case SegmentReady:
			c.Ready++
		case SegmentError:
			c.Errored++
		case SegmentCancelled:
			c.Cancelled++
		}
	}
	return c
}

// Settled reports whether every segment reached a terminal state.
func (j *Job) Settled() bool {
	for _, s := range j.Segments {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// Progress is the ready ratio in [0,1].
func (j *Job) Progress() float64 {
	if len(j.Segments) == 0 {
		return 0
	}
	return float64(j.SegmentCounts().Ready) / float64(len(j.Segments))
}

// Segment returns a pointer into the job's segment slice.
func (j *Job) Segment(index int) (*Segment, error) {
	if index < 0 || index >= len(j.Segments) {
		return nil, fmt.Errorf("%w: segment %d of %d", ErrSegmentNotFound, index, len(j.Segments))
	}
	return &j.Segments[index], nil
}

// SegmentRef addresses one segment of one job on the queue.
type SegmentRef struct {
	JobID string `json:"job_id"`
	Index int    `json:"index"`
}

func (r SegmentRef) String() string {
	return fmt.Sprintf("%s:%d", r.JobID, r.Index)
}

// ParseSegmentRef is the inverse of SegmentRef.String.
func ParseSegmentRef(s string) (SegmentRef, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return SegmentRef{}, fmt.Errorf("malformed segment ref %q", s)
	}
	index, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return SegmentRef{}, fmt.Errorf("malformed segment ref %q: %w", s, err)
	}
	return SegmentRef{JobID: s[:i], Index: index}, nil
}
