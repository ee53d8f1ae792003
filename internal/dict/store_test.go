package dict

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePackFile(t *testing.T, dir, name, payload string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write pack file: %v", err)
	}
	return path
}

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s := NewStore(dir, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestReadPackAcceptsBothEntryShapes(t *testing.T) {
	dir := t.TempDir()
	path := writePackFile(t, dir, "en_core.json", `{
		"name": "en_core",
		"format": "espeak",
		"entries": {
			"tomato": "t@mA:toU",
			"Gojo": {"phonemes": "goUdZoU", "source": "curated"}
		}
	}`)

	p, err := ReadPack(path)
	if err != nil {
		t.Fatalf("ReadPack: %v", err)
	}
	if got, ok := p.Get("tomato"); !ok || got != "t@mA:toU" {
		t.Errorf(`Get("tomato") = %q, %v`, got, ok)
	}
	if got, ok := p.Get("Gojo"); !ok || got != "goUdZoU" {
		t.Errorf(`Get("Gojo") = %q, %v`, got, ok)
	}
	if p.Entries["Gojo"].Source != "curated" {
		t.Errorf("source = %q; want curated", p.Entries["Gojo"].Source)
	}
	if p.Version == "" {
		t.Error("version not derived from mtime")
	}
}

func TestPackGetIsCaseInsensitive(t *testing.T) {
	p := &Pack{Entries: map[string]Entry{"Gojo": {Phonemes: "goUdZoU"}}}
	for _, key := range []string{"Gojo", "gojo", "GOJO"} {
		if got, ok := p.Get(key); !ok || got != "goUdZoU" {
			t.Errorf("Get(%q) = %q, %v", key, got, ok)
		}
	}
	if _, ok := p.Get("Sukuna"); ok {
		t.Error("Get on missing key reported a hit")
	}
}

func TestPhraseKeysLongestFirst(t *testing.T) {
	p := &Pack{Entries: map[string]Entry{
		"Gojo":              {Phonemes: "a"},
		"Senpai Gojo":       {Phonemes: "b"},
		"Senpai Gojo Satoru": {Phonemes: "c"},
		"Hollow Purple":     {Phonemes: "d"},
	}}
	keys := p.PhraseKeys()
	if len(keys) != 3 {
		t.Fatalf("PhraseKeys = %v; want 3 phrases", keys)
	}
	if keys[0] != "Senpai Gojo Satoru" {
		t.Errorf("longest phrase not first: %v", keys)
	}
}

func TestStoreLookupHonorsPriority(t *testing.T) {
	dir := t.TempDir()
	writePackFile(t, dir, "en_core.json",
		`{"name":"en_core","entries":{"Gojo":"core-version"}}`)
	writePackFile(t, dir, "anime_en.json",
		`{"name":"anime_en","entries":{"Gojo":"anime-version"}}`)
	writePackFile(t, dir, "local_overrides.json",
		`{"name":"local_overrides","entries":{"Gojo":"override-version"}}`)

	s := newTestStore(t, dir)

	phonemes, pack, ok := s.Lookup("Gojo")
	if !ok {
		t.Fatal("Lookup missed")
	}
	if pack != PackLocalOverrides || phonemes != "override-version" {
		t.Errorf("Lookup = %q from %q; want override-version from local_overrides", phonemes, pack)
	}

	ordered := s.Ordered()
	if len(ordered) != 3 || ordered[0].Name != PackLocalOverrides || ordered[2].Name != PackENCore {
		names := make([]string, len(ordered))
		for i, p := range ordered {
			names[i] = p.Name
		}
		t.Errorf("Ordered = %v", names)
	}
}

func TestStoreUpsertCreatesPackAndBumpsVersion(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	p, err := s.Upsert(PackLocalOverrides, "Sukuna", "sUkUn@", "user")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if p.Version == "" {
		t.Error("upserted pack has no version")
	}
	if _, err := os.Stat(filepath.Join(dir, "local_overrides.json")); err != nil {
		t.Fatalf("pack file not written: %v", err)
	}

	phonemes, pack, ok := s.Lookup("Sukuna")
	if !ok || pack != PackLocalOverrides || phonemes != "sUkUn@" {
		t.Errorf("Lookup after upsert = %q from %q, %v", phonemes, pack, ok)
	}

	if got := s.Versions(); got[PackLocalOverrides] == "" {
		t.Errorf("Versions missing local_overrides: %v", got)
	}
}

func TestStorePromote(t *testing.T) {
	dir := t.TempDir()
	writePackFile(t, dir, "auto_learn.json",
		`{"name":"auto_learn","entries":{"Jogo":{"phonemes":"dZoUgoU","source":"auto"}}}`)
	s := newTestStore(t, dir)

	phonemes, err := s.Promote("Jogo", PackLocalOverrides, false)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if phonemes != "dZoUgoU" {
		t.Errorf("Promote returned %q", phonemes)
	}

	got, pack, ok := s.Lookup("Jogo")
	if !ok || pack != PackLocalOverrides || got != "dZoUgoU" {
		t.Errorf("Lookup after promote = %q from %q, %v", got, pack, ok)
	}
	learned, err := s.Pack(PackAutoLearn)
	if err != nil {
		t.Fatalf("Pack(auto_learn): %v", err)
	}
	if _, still := learned.Get("Jogo"); still {
		t.Error("promoted entry still present in auto_learn")
	}
}

func TestStorePromoteRefusesExistingWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	writePackFile(t, dir, "auto_learn.json",
		`{"name":"auto_learn","entries":{"Jogo":"learned"}}`)
	writePackFile(t, dir, "local_overrides.json",
		`{"name":"local_overrides","entries":{"Jogo":"manual"}}`)
	s := newTestStore(t, dir)

	if _, err := s.Promote("Jogo", PackLocalOverrides, false); !errors.Is(err, ErrEntryExists) {
		t.Fatalf("Promote without overwrite: %v; want ErrEntryExists", err)
	}
	if _, err := s.Promote("Jogo", PackLocalOverrides, true); err != nil {
		t.Fatalf("Promote with overwrite: %v", err)
	}
	got, _, _ := s.Lookup("Jogo")
	if got != "learned" {
		t.Errorf("Lookup after overwrite promote = %q; want learned", got)
	}
}

func TestLearnerFlushMergesCounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auto_learn.json")
	writePackFile(t, dir, "auto_learn.json",
		`{"name":"auto_learn","entries":{"Mahito":{"phonemes":"mAhito","count":2}}}`)
	s := newTestStore(t, dir)

	l := NewLearner(s, path, 3, time.Minute, nil)
	l.Learn("Mahito", "mAhito")
	l.Learn("Mahito", "mAhito")
	l.Learn("Choso", "tSoUsoU")
	l.Learn("ab", "ignored")   // below min length
	l.Learn("1234", "ignored") // no letters

	if got := l.Pending(); got != 2 {
		t.Fatalf("Pending = %d; want 2", got)
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := l.Pending(); got != 0 {
		t.Errorf("Pending after flush = %d", got)
	}

	p, err := ReadPack(path)
	if err != nil {
		t.Fatalf("ReadPack: %v", err)
	}
	if e := p.Entries["Mahito"]; e.Count != 4 {
		t.Errorf("Mahito count = %d; want 4 (2 existing + 2 learned)", e.Count)
	}
	if _, ok := p.Entries["Choso"]; !ok {
		t.Error("Choso not flushed")
	}
	if _, ok := p.Entries["ab"]; ok {
		t.Error("short key was learned")
	}

	// Flushed entries resolve through the store immediately.
	if _, pack, ok := s.Lookup("Choso"); !ok || pack != PackAutoLearn {
		t.Errorf("Lookup(Choso) = pack %q, ok %v", pack, ok)
	}
}
