package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

// newFlagBinder creates a FlagSet with all config flags registered at their defaults.
func newFlagBinder(defaults Config) *fakeBinder {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	return &fakeBinder{fs: fs}
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("Server.ListenAddr = %q; want %q", cfg.Server.ListenAddr, ":8080")
	}

	if cfg.Jobs.MaxTextChars != 20000 {
		t.Errorf("Jobs.MaxTextChars = %d; want 20000", cfg.Jobs.MaxTextChars)
	}

	if cfg.Jobs.MaxSegments != 120 {
		t.Errorf("Jobs.MaxSegments = %d; want 120", cfg.Jobs.MaxSegments)
	}

	if cfg.Jobs.MaxActiveJobs != 20 {
		t.Errorf("Jobs.MaxActiveJobs = %d; want 20", cfg.Jobs.MaxActiveJobs)
	}

	if cfg.Jobs.SegmentMaxRetries != 2 {
		t.Errorf("Jobs.SegmentMaxRetries = %d; want 2", cfg.Jobs.SegmentMaxRetries)
	}

	if cfg.Jobs.SegmentStaleSeconds != 300 {
		t.Errorf("Jobs.SegmentStaleSeconds = %d; want 300", cfg.Jobs.SegmentStaleSeconds)
	}

	if cfg.Jobs.MergeLockWaitSecs != 30 {
		t.Errorf("Jobs.MergeLockWaitSecs = %d; want 30", cfg.Jobs.MergeLockWaitSecs)
	}

	if cfg.Chunking.TargetChars != 300 {
		t.Errorf("Chunking.TargetChars = %d; want 300", cfg.Chunking.TargetChars)
	}

	if cfg.Chunking.MaxChars != 500 {
		t.Errorf("Chunking.MaxChars = %d; want 500", cfg.Chunking.MaxChars)
	}

	if cfg.Chunking.MinSegmentChars != 60 {
		t.Errorf("Chunking.MinSegmentChars = %d; want 60", cfg.Chunking.MinSegmentChars)
	}

	if cfg.Dicts.PhonemeMode != "espeak" {
		t.Errorf("Dicts.PhonemeMode = %q; want %q", cfg.Dicts.PhonemeMode, "espeak")
	}

	if !cfg.Dicts.Autolearn {
		t.Error("Dicts.Autolearn = false; want true")
	}

	if cfg.Cache.MaxMB != 512 {
		t.Errorf("Cache.MaxMB = %d; want 512", cfg.Cache.MaxMB)
	}

	if cfg.Worker.Role != RoleAll {
		t.Errorf("Worker.Role = %q; want %q", cfg.Worker.Role, RoleAll)
	}

	if cfg.Worker.MaxConcurrentSegments != 1 {
		t.Errorf("Worker.MaxConcurrentSegments = %d; want 1", cfg.Worker.MaxConcurrentSegments)
	}
}

// --- NormalizeRole ---

func TestNormalizeRole(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", RoleAll, false},
		{"all", RoleAll, false},
		{"API", RoleAPI, false},
		{" worker ", RoleWorker, false},
		{"both", "", true},
	}

	for _, tc := range cases {
		got, err := NormalizeRole(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizeRole(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeRole(%q): unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeRole(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

// --- Load ---

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	// Run from a temp dir so a stray pronouncex.yaml in the repo cannot leak in.
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	defaults := DefaultConfig()
	cfg, err := Load(LoadOptions{Cmd: newFlagBinder(defaults), Defaults: defaults})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.ListenAddr != defaults.Server.ListenAddr {
		t.Errorf("ListenAddr = %q; want default %q", cfg.Server.ListenAddr, defaults.Server.ListenAddr)
	}
}

func TestLoadConfigFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pronouncex.yaml")
	body := "server:\n  listen_addr: \":9999\"\njobs:\n  max_segments: 7\nworker:\n  role: worker\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	defaults := DefaultConfig()
	cfg, err := Load(LoadOptions{Cmd: newFlagBinder(defaults), ConfigFile: path, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q; want :9999", cfg.Server.ListenAddr)
	}
	if cfg.Jobs.MaxSegments != 7 {
		t.Errorf("MaxSegments = %d; want 7", cfg.Jobs.MaxSegments)
	}
	if cfg.Worker.Role != RoleWorker {
		t.Errorf("Role = %q; want worker", cfg.Worker.Role)
	}
}

func TestLoadRejectsInvalidRole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pronouncex.yaml")
	if err := os.WriteFile(path, []byte("worker:\n  role: sometimes\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	defaults := DefaultConfig()
	if _, err := Load(LoadOptions{Cmd: newFlagBinder(defaults), ConfigFile: path, Defaults: defaults}); err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	t.Setenv("PRONOUNCEX_JOBS_MAX_ACTIVE_JOBS", "3")

	defaults := DefaultConfig()
	cfg, err := Load(LoadOptions{Defaults: defaults})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jobs.MaxActiveJobs != 3 {
		t.Errorf("MaxActiveJobs = %d; want 3", cfg.Jobs.MaxActiveJobs)
	}
}

func chdir(t *testing.T, dir string) func() {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return func() { _ = os.Chdir(old) }
}
