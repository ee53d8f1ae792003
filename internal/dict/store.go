package dict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var (
	// ErrPackNotFound is returned when a named pack is not loaded.
	ErrPackNotFound = errors.New("pack not found")
	// ErrEntryNotFound is returned when a key has no entry in the pack.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrEntryExists is returned by Promote when the target already has the
	// key and overwrite was not requested.
	ErrEntryExists = errors.New("entry already exists")
)

// Store holds the loaded pronunciation packs and serves lookups in
// priority order. It reloads packs when their files change on disk.
type Store struct {
	dir string
	log *slog.Logger

	mu    sync.RWMutex
	packs map[string]*Pack
}

// NewStore creates a store over a pack directory. Call Load before use.
func NewStore(dir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		dir:   dir,
		log:   log,
		packs: map[string]*Pack{},
	}
}

// Load scans the pack directory and replaces the in-memory pack set.
// Files that fail to parse are skipped with a warning so one corrupt
// pack cannot take down the rest.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(s.dir, 0o755); err != nil {
				return fmt.Errorf("create dict dir: %w", err)
			}
			entries = nil
		} else {
			return fmt.Errorf("read dict dir: %w", err)
		}
	}

	packs := map[string]*Pack{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		p, err := ReadPack(path)
		if err != nil {
			s.log.Warn("skipping unreadable pack", "path", path, "error", err)
			continue
		}
		packs[p.Name] = p
	}

	s.mu.Lock()
	s.packs = packs
	s.mu.Unlock()

	s.log.Info("dictionary packs loaded", "dir", s.dir, "packs", len(packs))
	return nil
}

// Ordered returns the loaded packs highest priority first. Packs outside
// the well-known set sort alphabetically after en_core.
func (s *Store) Ordered() []*Pack {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	var ordered []*Pack
	for _, name := range Priority() {
		if p, ok := s.packs[name]; ok {
			ordered = append(ordered, p)
			seen[name] = true
		}
	}
	var rest []string
	for name := range s.packs {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		ordered = append(ordered, s.packs[name])
	}
	return ordered
}

// Pack returns one loaded pack by name.
func (s *Store) Pack(name string) (*Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPackNotFound, name)
	}
	return p, nil
}

// Versions snapshots the current pack versions, keyed by pack name.
// Admission stores this snapshot on the job so later pack edits do not
// silently change a job's cache keys.
func (s *Store) Versions() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := make(map[string]string, len(s.packs))
	for name, p := range s.packs {
		versions[name] = p.Version
	}
	return versions
}

// Lookup resolves a key through the packs in priority order and reports
// which pack answered.
func (s *Store) Lookup(key string) (phonemes, packName string, ok bool) {
	for _, p := range s.Ordered() {
		if ph, found := p.Get(key); found {
			return ph, p.Name, true
		}
	}
	return "", "", false
}

// Upsert writes one entry into the named pack, creating the pack file if
// needed, and reloads it so the new version is visible immediately.
func (s *Store) Upsert(packName, key, phonemes, source string) (*Pack, error) {
	key = strings.TrimSpace(key)
	phonemes = strings.TrimSpace(phonemes)
	if key == "" || phonemes == "" {
		return nil, errors.New("key and phonemes must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.packs[packName]
	if !ok {
		p = &Pack{
			Name:    packName,
			Format:  FormatEspeak,
			Entries: map[string]Entry{},
			Path:    filepath.Join(s.dir, packName+".json"),
		}
	}
	p.Entries[key] = Entry{
		Phonemes:  phonemes,
		Source:    source,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := WritePack(p, p.Path); err != nil {
		return nil, err
	}
	s.packs[packName] = p
	return p, nil
}

// Remove deletes one entry from a pack and persists the change.
func (s *Store) Remove(packName, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.packs[packName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPackNotFound, packName)
	}
	if _, ok := p.Entries[key]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrEntryNotFound, packName, key)
	}
	delete(p.Entries, key)
	return WritePack(p, p.Path)
}

// Promote moves a learned entry from auto_learn into the target pack.
// Without overwrite, an existing target entry is left alone and
// ErrEntryExists is returned.
func (s *Store) Promote(key, targetPack string, overwrite bool) (string, error) {
	if targetPack == "" {
		targetPack = PackLocalOverrides
	}

	s.mu.RLock()
	learned, ok := s.packs[PackAutoLearn]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPackNotFound, PackAutoLearn)
	}
	phonemes, found := learned.Get(key)
	if !found {
		return "", fmt.Errorf("%w: %s/%s", ErrEntryNotFound, PackAutoLearn, key)
	}

	s.mu.RLock()
	target, hasTarget := s.packs[targetPack]
	s.mu.RUnlock()
	if hasTarget && !overwrite {
		if _, exists := target.Get(key); exists {
			return "", fmt.Errorf("%w: %s/%s", ErrEntryExists, targetPack, key)
		}
	}

	if _, err := s.Upsert(targetPack, key, phonemes, "promoted"); err != nil {
		return "", err
	}
	if err := s.Remove(PackAutoLearn, key); err != nil && !errors.Is(err, ErrEntryNotFound) {
		return "", err
	}
	return phonemes, nil
}

// Watch reloads the pack set when files under the dict directory change.
// Events are debounced so an editor writing several files triggers one
// reload. Blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create dict watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch dict dir: %w", err)
	}

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			if err := s.Load(); err != nil {
				s.log.Warn("dict reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("dict watcher error", "error", err)
		}
	}
}
