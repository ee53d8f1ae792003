package dict

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Well-known pack names. Resolution priority is highest first: user
// overrides beat learned entries, which beat the bundled packs.
const (
	PackLocalOverrides = "local_overrides"
	PackAutoLearn      = "auto_learn"
	PackAnimeEN        = "anime_en"
	PackENCore         = "en_core"
)

// FormatEspeak is the only phoneme format the current packs carry.
const FormatEspeak = "espeak"

// Priority returns the fixed pack resolution order, highest priority first.
func Priority() []string {
	return []string{PackLocalOverrides, PackAutoLearn, PackAnimeEN, PackENCore}
}

// Entry is one pronunciation. Pack files may store either a bare phoneme
// string or an object with metadata; both unmarshal into Entry.
type Entry struct {
	Phonemes  string `json:"phonemes"`
	Source    string `json:"source,omitempty"`
	Count     int    `json:"count,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Phonemes = strings.TrimSpace(s)
		return nil
	}
	type entryObject Entry
	var obj entryObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	obj.Phonemes = strings.TrimSpace(obj.Phonemes)
	*e = Entry(obj)
	return nil
}

// Pack is one named pronunciation dictionary. Keys are case-preserving and
// may contain spaces (phrases). Version tracks the backing file's mtime.
type Pack struct {
	Name    string           `json:"name"`
	Version string           `json:"version"`
	Format  string           `json:"format"`
	Entries map[string]Entry `json:"entries"`

	// Path is the backing file, empty for packs not yet persisted.
	Path string `json:"-"`
}

// Get looks a key up case-insensitively, preferring an exact-case hit.
func (p *Pack) Get(key string) (string, bool) {
	if e, ok := p.Entries[key]; ok && e.Phonemes != "" {
		return e.Phonemes, true
	}
	lowered := strings.ToLower(key)
	for k, e := range p.Entries {
		if strings.ToLower(k) == lowered && e.Phonemes != "" {
			return e.Phonemes, true
		}
	}
	return "", false
}

// PhraseKeys returns the pack's multi-word keys sorted by word count
// descending, then by length descending, for greedy longest-match walks.
func (p *Pack) PhraseKeys() []string {
	var keys []string
	for k := range p.Entries {
		if strings.ContainsAny(k, " \t") {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		wi, wj := len(strings.Fields(keys[i])), len(strings.Fields(keys[j]))
		if wi != wj {
			return wi > wj
		}
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// VersionFromTime formats a pack version from a timestamp.
func VersionFromTime(t time.Time) string {
	return t.UTC().Format("20060102-150405")
}

// ReadPack loads a pack file. The version is always derived from the
// file's modification time, overriding whatever the payload claims.
func ReadPack(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pack %s: %w", path, err)
	}
	var p Pack
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode pack %s: %w", path, err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("pack %s: missing name", path)
	}
	if p.Format == "" {
		p.Format = FormatEspeak
	}
	if p.Entries == nil {
		p.Entries = map[string]Entry{}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat pack %s: %w", path, err)
	}
	p.Version = VersionFromTime(info.ModTime())
	p.Path = path
	return &p, nil
}

// WritePack persists a pack atomically (tmp file + rename) and refreshes
// its version from the resulting mtime.
func WritePack(p *Pack, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pack dir: %w", err)
	}
	payload := struct {
		Name    string           `json:"name"`
		Version string           `json:"version"`
		Format  string           `json:"format"`
		Entries map[string]Entry `json:"entries"`
	}{
		Name:    p.Name,
		Version: VersionFromTime(time.Now()),
		Format:  p.Format,
		Entries: p.Entries,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pack %s: %w", p.Name, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pack %s: %w", p.Name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename pack %s: %w", p.Name, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat pack %s: %w", p.Name, err)
	}
	p.Version = VersionFromTime(info.ModTime())
	p.Path = path
	return nil
}
