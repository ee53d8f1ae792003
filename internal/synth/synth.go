// Package synth produces raw segment audio from phoneme-annotated text.
package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// Request is one synthesis call. Text is phoneme-annotated segment text.
// PhonemeInput tells the engine to read the phoneme annotations verbatim
// instead of re-deriving pronunciations itself.
type Request struct {
	Text         string
	ModelID      string
	VoiceID      string
	Speed        float64
	PhonemeInput bool
}

// Synthesizer produces WAV bytes for a request.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

var (
	// ErrModelNotAllowed is returned for model IDs outside the allowlist.
	ErrModelNotAllowed = errors.New("model not allowed")
	// ErrBadOutput marks synthesis output the engine itself flagged as
	// broken (silent, NaN, truncated). These failures are deterministic
	// for a given model, so retrying on the same model is pointless and
	// the caller should fall back to the quality model instead.
	ErrBadOutput = errors.New("bad synthesis output")
)

// badOutputMarkers are engine stderr fragments that indicate a
// deterministic model failure rather than a transient one.
var badOutputMarkers = []string{
	"nan in output",
	"inf in output",
	"empty audio",
	"vocoder collapse",
}

// QualityFallbackWorthwhile reports whether the error means the same
// input should be retried on the quality model.
func QualityFallbackWorthwhile(err error) bool {
	return errors.Is(err, ErrBadOutput)
}

// CLIOption configures the CLI engine.
type CLIOption func(*CLI)

// WithExecutable overrides the engine binary path.
func WithExecutable(path string) CLIOption {
	return func(c *CLI) {
		if path != "" {
			c.exe = path
		}
	}
}

// CLI shells out to the TTS engine binary, streaming annotated text on
// stdin and reading WAV from stdout.
type CLI struct {
	exe string
}

// NewCLI creates the subprocess-backed engine.
func NewCLI(opts ...CLIOption) *CLI {
	c := &CLI{exe: "pronouncex-engine"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CLI) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("synthesize: empty text")
	}

	args := []string{"generate", "--text", "-", "--output-path", "-", "--format", "wav"}
	if req.ModelID != "" {
		args = append(args, "--model", req.ModelID)
	}
	if req.VoiceID != "" {
		args = append(args, "--voice", req.VoiceID)
	}
	if req.Speed > 0 && req.Speed != 1.0 {
		args = append(args, "--speed", strconv.FormatFloat(req.Speed, 'f', 3, 64))
	}
	if req.PhonemeInput {
		args = append(args, "--phoneme-input")
	}

	cmd := exec.CommandContext(ctx, c.exe, args...)
	cmd.Stdin = strings.NewReader(req.Text)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.ToLower(stderr.String())
		for _, marker := range badOutputMarkers {
			if strings.Contains(msg, marker) {
				return nil, fmt.Errorf("%w: %s", ErrBadOutput, strings.TrimSpace(stderr.String()))
			}
		}
		if trimmed := strings.TrimSpace(stderr.String()); trimmed != "" {
			return nil, fmt.Errorf("engine: %w: %s", err, trimmed)
		}
		return nil, fmt.Errorf("engine: %w", err)
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("%w: engine produced no audio", ErrBadOutput)
	}
	return out.Bytes(), nil
}

// Probe runs the engine's version check. Used by startup diagnostics.
func (c *CLI) Probe(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, c.exe, "--version")
	cmd.Stderr = io.Discard
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s --version failed: %w", c.exe, err)
	}
	return strings.TrimSpace(string(out)), nil
}
