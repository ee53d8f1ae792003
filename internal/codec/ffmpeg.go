package codec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Sample parameters for generated silence. Matching the engine's output
// keeps stream-copy concatenation possible.
const (
	silenceSampleRate = 24000
	silenceChannels   = "mono"
)

// FFmpegOption configures the ffmpeg codec.
type FFmpegOption func(*FFmpeg)

// WithFFmpegPath overrides the ffmpeg binary path.
func WithFFmpegPath(path string) FFmpegOption {
	return func(f *FFmpeg) {
		if path != "" {
			f.ffmpeg = path
		}
	}
}

// WithFFprobePath overrides the ffprobe binary path.
func WithFFprobePath(path string) FFmpegOption {
	return func(f *FFmpeg) {
		if path != "" {
			f.ffprobe = path
		}
	}
}

// FFmpeg implements Codec by shelling out to ffmpeg and ffprobe.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
}

// NewFFmpeg creates the subprocess-backed codec.
func NewFFmpeg(opts ...FFmpegOption) *FFmpeg {
	f := &FFmpeg{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FFmpeg) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, f.ffmpeg, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	return out.Bytes(), nil
}

func (f *FFmpeg) EncodeOGG(ctx context.Context, wav []byte) ([]byte, error) {
	if len(wav) == 0 {
		return nil, fmt.Errorf("encode: empty input")
	}
	out, err := f.run(ctx, wav, "-i", "pipe:0", "-c:a", "libvorbis", "-f", "ogg", "pipe:1")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("encode: ffmpeg produced no output")
	}
	return out, nil
}

func (f *FFmpeg) Silence(ctx context.Context, d time.Duration, path string) error {
	if d <= 0 {
		return fmt.Errorf("silence: non-positive duration %v", d)
	}
	src := fmt.Sprintf("anullsrc=r=%d:cl=%s", silenceSampleRate, silenceChannels)
	_, err := f.run(ctx, nil,
		"-f", "lavfi", "-i", src,
		"-t", strconv.FormatFloat(d.Seconds(), 'f', 3, 64),
		"-c:a", "libvorbis", "-y", path)
	return err
}

// Concat joins the inputs with the concat demuxer. Stream copy is tried
// first; when the inputs disagree on codec parameters it falls back to a
// re-encode, which always succeeds but costs CPU.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, outPath string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concat: no inputs")
	}

	listFile, err := writeConcatList(inputs, filepath.Dir(outPath))
	if err != nil {
		return err
	}
	defer os.Remove(listFile)

	base := []string{"-f", "concat", "-safe", "0", "-i", listFile}
	if _, err := f.run(ctx, nil, append(base, "-c", "copy", "-y", outPath)...); err == nil {
		return nil
	}
	_, err = f.run(ctx, nil, append(base, "-c:a", "libvorbis", "-y", outPath)...)
	return err
}

func (f *FFmpeg) Duration(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, f.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: parse duration: %w", path, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Probe checks that ffmpeg is runnable. Used by startup diagnostics.
func (f *FFmpeg) Probe(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, f.ffmpeg, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("%s -version failed: %w", f.ffmpeg, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// writeConcatList writes the concat demuxer manifest next to the output
// so relative resolution never escapes the merge directory.
func writeConcatList(inputs []string, dir string) (string, error) {
	tmp, err := os.CreateTemp(dir, "concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("concat list: %w", err)
	}
	for _, input := range inputs {
		abs, err := filepath.Abs(input)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", fmt.Errorf("concat list: %w", err)
		}
		// Single-quote per the concat demuxer's escaping rules.
		fmt.Fprintf(tmp, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
