// Package phoneme turns orthographic text into phoneme strings for tokens
// that no dictionary pack covers.
package phoneme

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Phonemizer produces a phoneme string for a single token or short phrase.
type Phonemizer interface {
	Phonemize(ctx context.Context, text string) (string, error)
}

// EspeakOption configures the espeak-backed phonemizer.
type EspeakOption func(*Espeak)

// WithExecutable overrides the espeak-ng binary path.
func WithExecutable(path string) EspeakOption {
	return func(e *Espeak) {
		if path != "" {
			e.exe = path
		}
	}
}

// WithVoice sets the espeak voice (default en-us).
func WithVoice(voice string) EspeakOption {
	return func(e *Espeak) {
		if voice != "" {
			e.voice = voice
		}
	}
}

// Espeak shells out to espeak-ng for grapheme-to-phoneme conversion.
// espeak-ng is fast but not reentrant, so calls are serialized.
type Espeak struct {
	exe   string
	voice string
	mu    sync.Mutex
}

// NewEspeak creates an espeak-ng phonemizer.
func NewEspeak(opts ...EspeakOption) *Espeak {
	e := &Espeak{exe: "espeak-ng", voice: "en-us"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Phonemize runs espeak-ng in quiet phoneme-output mode and returns the
// phoneme string with espeak's separator clutter stripped.
func (e *Espeak) Phonemize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("phonemize: empty text")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cmd := exec.CommandContext(ctx, e.exe, "-q", "-x", "-v", e.voice, "--stdin")
	cmd.Stdin = strings.NewReader(text)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("espeak-ng: %w: %s", err, msg)
		}
		return "", fmt.Errorf("espeak-ng: %w", err)
	}

	phonemes := strings.Join(strings.Fields(out.String()), " ")
	if phonemes == "" {
		return "", fmt.Errorf("espeak-ng produced no phonemes for %q", text)
	}
	return phonemes, nil
}

// Probe checks that the espeak binary is runnable. Used by startup checks.
func (e *Espeak) Probe(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, e.exe, "--version").Output()
	if err != nil {
		return fmt.Errorf("%s --version failed: %w", e.exe, err)
	}
	if !strings.Contains(strings.ToLower(string(out)), "espeak") {
		return fmt.Errorf("%s does not look like espeak-ng", e.exe)
	}
	return nil
}
