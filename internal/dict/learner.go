package dict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
	"unicode"
)

// Learner buffers pronunciations discovered during synthesis and flushes
// them into the auto_learn pack in batches. Buffering keeps the hot
// synthesis path off the disk; the flush path takes a file lock so
// several worker processes can share one auto_learn file.
type Learner struct {
	store      *Store
	log        *slog.Logger
	path       string
	minLen     int
	flushEvery time.Duration

	mu      sync.Mutex
	pending map[string]Entry
}

// NewLearner creates a learner writing to path (the auto_learn pack file).
func NewLearner(store *Store, path string, minLen int, flushEvery time.Duration, log *slog.Logger) *Learner {
	if log == nil {
		log = slog.Default()
	}
	if minLen <= 0 {
		minLen = 3
	}
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	return &Learner{
		store:      store,
		log:        log,
		path:       path,
		minLen:     minLen,
		flushEvery: flushEvery,
		pending:    map[string]Entry{},
	}
}

// Learn buffers one token pronunciation. Tokens shorter than the minimum
// length or without any letter are not worth remembering.
func (l *Learner) Learn(key, phonemes string) {
	if len([]rune(key)) < l.minLen || phonemes == "" || !hasLetter(key) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.pending[key]
	e.Phonemes = phonemes
	e.Source = "auto"
	e.Count++
	e.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	l.pending[key] = e
}

// Pending reports the number of buffered, unflushed entries.
func (l *Learner) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush merges the buffered entries into the auto_learn pack file under a
// file lock and reloads the store so lookups see the new entries.
func (l *Learner) Flush() error {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.pending
	l.pending = map[string]Entry{}
	l.mu.Unlock()

	unlock, err := acquireFileLock(l.path+".lock", 5*time.Second)
	if err != nil {
		// Put the batch back so the next flush retries it.
		l.requeue(batch)
		return fmt.Errorf("lock auto_learn: %w", err)
	}
	defer unlock()

	pack, err := ReadPack(l.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.requeue(batch)
			return err
		}
		pack = &Pack{Name: PackAutoLearn, Format: FormatEspeak, Entries: map[string]Entry{}}
	}
	for key, e := range batch {
		if existing, ok := pack.Entries[key]; ok {
			e.Count += existing.Count
		}
		pack.Entries[key] = e
	}
	if err := WritePack(pack, l.path); err != nil {
		l.requeue(batch)
		return err
	}

	l.log.Debug("auto_learn flushed", "entries", len(batch), "total", len(pack.Entries))
	return l.store.Load()
}

// Run flushes on an interval until ctx is done, then flushes once more.
func (l *Learner) Run(ctx context.Context) {
	ticker := time.NewTicker(l.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := l.Flush(); err != nil {
				l.log.Warn("final auto_learn flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				l.log.Warn("auto_learn flush failed", "error", err)
			}
		}
	}
}

func (l *Learner) requeue(batch map[string]Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range batch {
		if cur, ok := l.pending[key]; ok {
			cur.Count += e.Count
			l.pending[key] = cur
			continue
		}
		l.pending[key] = e
	}
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// acquireFileLock takes an exclusive lock by creating a lock file with
// O_EXCL. A lock file older than twice the timeout is treated as left
// behind by a crashed process and broken.
func acquireFileLock(path string, timeout time.Duration) (func(), error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > 2*timeout {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for %s", path)
		}
		time.Sleep(25 * time.Millisecond)
	}
}
