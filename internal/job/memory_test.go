package job

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryJobRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	j := &Job{ID: "j1", Status: StatusQueued, Segments: []Segment{{Index: 0, Status: SegmentQueued}}}
	if err := m.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := m.CreateJob(ctx, j); !errors.Is(err, ErrJobExists) {
		t.Fatalf("duplicate CreateJob = %v; want ErrJobExists", err)
	}

	got, err := m.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	// Mutating the copy must not leak into the store.
	got.Segments[0].Status = SegmentReady
	again, _ := m.GetJob(ctx, "j1")
	if again.Segments[0].Status != SegmentQueued {
		t.Error("GetJob returned a shared reference")
	}

	if _, err := m.GetJob(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob missing = %v; want ErrJobNotFound", err)
	}

	updated, err := m.UpdateJob(ctx, "j1", func(j *Job) error {
		j.Status = StatusRunning
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.Status != StatusRunning || updated.UpdatedAt.IsZero() {
		t.Errorf("updated = %+v", updated)
	}

	wantErr := errors.New("nope")
	if _, err := m.UpdateJob(ctx, "j1", func(*Job) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("UpdateJob fn error = %v", err)
	}
}

func TestMemoryQueueOrderAndTimeout(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	refs := []SegmentRef{{JobID: "j", Index: 0}, {JobID: "j", Index: 1}}
	if err := m.Enqueue(ctx, refs...); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	for i := range refs {
		got, ok, err := m.Dequeue(ctx, time.Second)
		if err != nil || !ok {
			t.Fatalf("Dequeue %d: ok=%v err=%v", i, ok, err)
		}
		if got != refs[i] {
			t.Errorf("Dequeue %d = %v; want %v (FIFO)", i, got, refs[i])
		}
	}

	if _, ok, err := m.Dequeue(ctx, 20*time.Millisecond); err != nil || ok {
		t.Errorf("empty Dequeue: ok=%v err=%v; want timeout miss", ok, err)
	}
}

func TestMemoryJournalSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m := NewMemory(WithJournal(dir))
	running := &Job{
		ID:     "j-live",
		Status: StatusRunning,
		Segments: []Segment{
			{Index: 0, Status: SegmentReady},
			{Index: 1, Status: SegmentRunning},
			{Index: 2, Status: SegmentQueued},
		},
	}
	done := &Job{ID: "j-done", Status: StatusDone, SlotReleased: true,
		Segments: []Segment{{Index: 0, Status: SegmentReady}}}
	if err := m.CreateJob(ctx, running); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := m.CreateJob(ctx, done); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := m.UpdateJob(ctx, "j-live", func(j *Job) error {
		j.Segments[0].DurationMS = 1500
		return nil
	}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	// A fresh backend over the same directory stands in for a restart.
	m2 := NewMemory(WithJournal(dir))

	j, err := m2.GetJob(ctx, "j-live")
	if err != nil {
		t.Fatalf("GetJob after restart: %v", err)
	}
	if j.Segments[0].Status != SegmentReady || j.Segments[0].DurationMS != 1500 {
		t.Errorf("ready segment lost: %+v", j.Segments[0])
	}
	// Running segments lost their claims with the process; they go back
	// to queued and onto the queue alongside the already-queued one.
	if j.Segments[1].Status != SegmentQueued {
		t.Errorf("running segment = %s; want requeued", j.Segments[1].Status)
	}
	if qlen, _ := m2.QueueLen(ctx); qlen != 2 {
		t.Errorf("queue len after restart = %d; want 2", qlen)
	}
	// The live job still occupies its admission slot.
	if ok, _ := m2.IncrActive(ctx, 1); ok {
		t.Error("restart dropped the live job's admission slot")
	}

	if _, err := m2.GetJob(ctx, "j-done"); err != nil {
		t.Errorf("terminal job lost across restart: %v", err)
	}

	// Deleting drops the journal entry too.
	if err := m2.DeleteJob(ctx, "j-done"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	m3 := NewMemory(WithJournal(dir))
	if _, err := m3.GetJob(ctx, "j-done"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("deleted job resurrected: %v", err)
	}
}

func TestMemoryClaimLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ref := SegmentRef{JobID: "j", Index: 3}

	epoch, ok, err := m.Claim(ctx, ref, "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := m.Claim(ctx, ref, "w2", time.Minute); ok {
		t.Fatal("second Claim succeeded while first is live")
	}

	if valid, _ := m.ValidateClaim(ctx, ref, epoch); !valid {
		t.Error("ValidateClaim rejected the live epoch")
	}
	if valid, _ := m.ValidateClaim(ctx, ref, epoch+100); valid {
		t.Error("ValidateClaim accepted a bogus epoch")
	}

	if err := m.ReleaseClaim(ctx, ref, epoch); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	epoch2, ok, _ := m.Claim(ctx, ref, "w2", time.Minute)
	if !ok {
		t.Fatal("Claim after release failed")
	}
	if epoch2 == epoch {
		t.Error("epoch reused across claims")
	}
	// The original worker's commit must now be rejected.
	if valid, _ := m.ValidateClaim(ctx, ref, epoch); valid {
		t.Error("stale epoch still validates after re-claim")
	}
}

func TestMemoryClaimExpires(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()
	ref := SegmentRef{JobID: "j", Index: 0}

	epoch, ok, _ := m.Claim(ctx, ref, "w1", time.Minute)
	if !ok {
		t.Fatal("Claim failed")
	}
	now = now.Add(2 * time.Minute)

	if valid, _ := m.ValidateClaim(ctx, ref, epoch); valid {
		t.Error("expired claim still validates")
	}
	if _, ok, _ := m.Claim(ctx, ref, "w2", time.Minute); !ok {
		t.Error("expired claim blocked a new claim")
	}
}

func TestMemoryMergeLock(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	release, ok, err := m.TryMergeLock(ctx, "j1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryMergeLock: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := m.TryMergeLock(ctx, "j1", time.Minute); ok {
		t.Fatal("second merge lock granted while held")
	}
	if _, ok, _ := m.TryMergeLock(ctx, "j2", time.Minute); !ok {
		t.Error("lock on another job blocked")
	}

	release()
	if _, ok, _ := m.TryMergeLock(ctx, "j1", time.Minute); !ok {
		t.Error("lock not reacquirable after release")
	}
}

func TestMemoryActiveCounter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := m.IncrActive(ctx, 2); !ok {
			t.Fatalf("slot %d denied", i)
		}
	}
	if ok, _ := m.IncrActive(ctx, 2); ok {
		t.Fatal("third slot granted with max 2")
	}
	if err := m.DecrActive(ctx); err != nil {
		t.Fatalf("DecrActive: %v", err)
	}
	if ok, _ := m.IncrActive(ctx, 2); !ok {
		t.Error("slot denied after release")
	}

	// Unlimited when max <= 0.
	m2 := NewMemory()
	for i := 0; i < 10; i++ {
		if ok, _ := m2.IncrActive(ctx, 0); !ok {
			t.Fatal("unlimited counter denied a slot")
		}
	}
}

func TestMemoryIdempotency(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id, created, err := m.Idempotency(ctx, "key-1", "job-a", time.Minute)
	if err != nil || !created || id != "job-a" {
		t.Fatalf("first bind: id=%q created=%v err=%v", id, created, err)
	}
	id, created, _ = m.Idempotency(ctx, "key-1", "job-b", time.Minute)
	if created || id != "job-a" {
		t.Errorf("replay: id=%q created=%v; want job-a, false", id, created)
	}
}

func TestMemoryHeartbeats(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_ = m.Heartbeat(ctx, "w1", 10*time.Second)
	_ = m.Heartbeat(ctx, "w2", 10*time.Second)
	if online, _ := m.WorkersOnline(ctx); online != 2 {
		t.Errorf("online = %d; want 2", online)
	}
	now = now.Add(time.Minute)
	if online, _ := m.WorkersOnline(ctx); online != 0 {
		t.Errorf("online after expiry = %d; want 0", online)
	}
}

func TestParseSegmentRef(t *testing.T) {
	ref := SegmentRef{JobID: "abc-123", Index: 7}
	parsed, err := ParseSegmentRef(ref.String())
	if err != nil {
		t.Fatalf("ParseSegmentRef: %v", err)
	}
	if parsed != ref {
		t.Errorf("parsed = %v; want %v", parsed, ref)
	}
	for _, bad := range []string{"", "noindex", ":5", "x:"} {
		if _, err := ParseSegmentRef(bad); err == nil {
			t.Errorf("ParseSegmentRef(%q) accepted", bad)
		}
	}
}
