// Package doctor provides environment preflight checks for pronouncex.
package doctor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// EspeakVersion probes the espeak-ng fallback phonemizer.
	EspeakVersion VersionFunc
	// SkipEspeak skips the phonemizer check (fallback disabled).
	SkipEspeak bool
	// EngineVersion probes the synthesis engine CLI.
	EngineVersion VersionFunc
	// FFmpegVersion probes the ffmpeg binary used for encode and merge.
	FFmpegVersion VersionFunc
	// RedisPing verifies broker connectivity. Nil means single-process
	// mode and the check is reported as skipped.
	RedisPing func() error
	// DictDir is the dictionary pack directory to verify on disk.
	DictDir string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- espeak-ng fallback phonemizer ------------------------------------
	if cfg.SkipEspeak {
		fmt.Fprintf(w, "%s espeak-ng: skipped\n", PassMark)
	} else if cfg.EspeakVersion != nil {
		ver, err := cfg.EspeakVersion()
		if err != nil {
			res.fail(fmt.Sprintf("espeak-ng: %v", err))
			fmt.Fprintf(w, "%s espeak-ng: not found (%v)\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s espeak-ng: %s\n", PassMark, ver)
		}
	}

	// ---- synthesis engine CLI ---------------------------------------------
	if cfg.EngineVersion != nil {
		ver, err := cfg.EngineVersion()
		if err != nil {
			res.fail(fmt.Sprintf("synthesis engine: %v", err))
			fmt.Fprintf(w, "%s synthesis engine: not found (%v)\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s synthesis engine: %s\n", PassMark, ver)
		}
	}

	// ---- ffmpeg -----------------------------------------------------------
	if cfg.FFmpegVersion != nil {
		ver, err := cfg.FFmpegVersion()
		if err != nil {
			res.fail(fmt.Sprintf("ffmpeg: %v", err))
			fmt.Fprintf(w, "%s ffmpeg: not found (%v)\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s ffmpeg: %s\n", PassMark, ver)
		}
	}

	// ---- redis broker ------------------------------------------------------
	if cfg.RedisPing == nil {
		fmt.Fprintf(w, "%s redis: skipped (single-process mode)\n", PassMark)
	} else if err := cfg.RedisPing(); err != nil {
		res.fail(fmt.Sprintf("redis: %v", err))
		fmt.Fprintf(w, "%s redis: unreachable (%v)\n", FailMark, err)
	} else {
		fmt.Fprintf(w, "%s redis: reachable\n", PassMark)
	}

	// ---- dictionary packs --------------------------------------------------
	if cfg.DictDir != "" {
		if _, err := os.Stat(cfg.DictDir); err != nil {
			res.fail(fmt.Sprintf("dict dir %q: %v", cfg.DictDir, err))
			fmt.Fprintf(w, "%s dict dir %s: not found\n", FailMark, cfg.DictDir)
		} else {
			packs, _ := filepath.Glob(filepath.Join(cfg.DictDir, "*.json"))
			fmt.Fprintf(w, "%s dict dir %s: %d pack(s)\n", PassMark, cfg.DictDir, len(packs))
		}
	}

	return res
}
