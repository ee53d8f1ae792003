// Package cache stores synthesized segment audio content-addressed by
// fingerprint, with a size-bounded LRU eviction policy.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrMiss is returned when a key has no cached audio.
var ErrMiss = errors.New("cache miss")

// Meta is the sidecar stored next to each cached segment.
type Meta struct {
	CacheKey     string         `json:"cache_key"`
	ModelID      string         `json:"model_id"`
	VoiceID      string         `json:"voice_id"`
	TextChars    int            `json:"text_chars"`
	DurationMS   int64          `json:"duration_ms"`
	Sources      map[string]int `json:"sources,omitempty"`
	FallbackUsed bool           `json:"fallback_used,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Store is a content-addressed audio cache on the local filesystem.
// Files live under <dir>/segments/<first two key chars>/<key>.ogg with a
// .meta.json sidecar. Writes are atomic; eviction drops the least
// recently used entries once the budget is exceeded.
type Store struct {
	dir      string
	maxBytes int64
	log      *slog.Logger

	// evictMu serializes eviction scans; reads and writes stay concurrent.
	evictMu sync.Mutex
}

// NewStore creates a cache rooted at dir. maxMB <= 0 disables eviction.
func NewStore(dir string, maxMB int, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{dir: dir, maxBytes: int64(maxMB) * 1024 * 1024, log: log}
	if err := os.MkdirAll(s.segmentsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return s, nil
}

func (s *Store) segmentsDir() string {
	return filepath.Join(s.dir, "segments")
}

// Path returns the audio file path for a key, whether or not it exists.
func (s *Store) Path(key string) string {
	return filepath.Join(s.segmentsDir(), key[:2], key+".ogg")
}

func (s *Store) metaPath(key string) string {
	return filepath.Join(s.segmentsDir(), key[:2], key+".meta.json")
}

// Has reports whether the key is cached, and refreshes its LRU clock.
func (s *Store) Has(key string) bool {
	path := s.Path(key)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	s.touch(path)
	return true
}

// Put stores audio and its sidecar atomically, then enforces the size
// budget. A concurrent Put of the same key is harmless: both writers
// produce identical content.
func (s *Store) Put(key string, audio []byte, meta Meta) error {
	if len(audio) == 0 {
		return errors.New("refusing to cache empty audio")
	}
	meta.CacheKey = key
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	dir := filepath.Dir(s.Path(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache shard: %w", err)
	}

	if err := atomicWrite(s.Path(key), audio); err != nil {
		return fmt.Errorf("cache audio: %w", err)
	}
	sidecar, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := atomicWrite(s.metaPath(key), sidecar); err != nil {
		return fmt.Errorf("cache sidecar: %w", err)
	}

	s.enforceBudget()
	return nil
}

// Open returns a reader over the cached audio plus its sidecar.
// The caller closes the file.
func (s *Store) Open(key string) (*os.File, Meta, error) {
	f, err := os.Open(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Meta{}, fmt.Errorf("%w: %s", ErrMiss, key)
		}
		return nil, Meta{}, err
	}
	var meta Meta
	if raw, err := os.ReadFile(s.metaPath(key)); err == nil {
		_ = json.Unmarshal(raw, &meta)
	}
	s.touch(s.Path(key))
	return f, meta, nil
}

// Stat returns the sidecar and audio size for a cached key.
func (s *Store) Stat(key string) (Meta, int64, error) {
	info, err := os.Stat(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, 0, fmt.Errorf("%w: %s", ErrMiss, key)
		}
		return Meta{}, 0, err
	}
	var meta Meta
	if raw, err := os.ReadFile(s.metaPath(key)); err == nil {
		_ = json.Unmarshal(raw, &meta)
	}
	return meta, info.Size(), nil
}

// Stats walks the cache and reports entry count and total audio bytes.
func (s *Store) Stats() (entries int, bytes int64, err error) {
	err = filepath.WalkDir(s.segmentsDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".ogg") {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil // entry vanished mid-walk
		}
		entries++
		bytes += info.Size()
		return nil
	})
	return entries, bytes, err
}

// touch bumps the entry's LRU clock. Relying on filesystem atime would
// break on noatime mounts, so recency is tracked through mtime instead.
func (s *Store) touch(path string) {
	now := time.Now()
	_ = os.Chtimes(path, now, now)
}

type cacheEntry struct {
	key     string
	size    int64
	lastUse time.Time
}

// enforceBudget removes least-recently-used entries until the cache fits
// the byte budget again.
func (s *Store) enforceBudget() {
	if s.maxBytes <= 0 {
		return
	}
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	var entries []cacheEntry
	var total int64
	_ = filepath.WalkDir(s.segmentsDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".ogg") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		key := strings.TrimSuffix(filepath.Base(path), ".ogg")
		entries = append(entries, cacheEntry{key: key, size: info.Size(), lastUse: info.ModTime()})
		total += info.Size()
		return nil
	})
	if total <= s.maxBytes {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastUse.Before(entries[j].lastUse)
	})
	evicted := 0
	for _, e := range entries {
		if total <= s.maxBytes {
			break
		}
		if err := os.Remove(s.Path(e.key)); err != nil {
			continue
		}
		_ = os.Remove(s.metaPath(e.key))
		total -= e.size
		evicted++
	}
	if evicted > 0 {
		s.log.Info("cache evicted", "entries", evicted, "bytes_now", total)
	}
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
