package codec

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Fake is an in-process Codec for tests. "Audio" is readable text, so
// assertions can check merge order and gap placement directly.
type Fake struct {
	mu          sync.Mutex
	encodeErr   error
	concatCalls int
}

// NewFakeCodec creates a fake codec.
func NewFakeCodec() *Fake {
	return &Fake{}
}

// FailEncodes makes EncodeOGG return err.
func (f *Fake) FailEncodes(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encodeErr = err
}

// ConcatCalls reports how many merges ran.
func (f *Fake) ConcatCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.concatCalls
}

func (f *Fake) EncodeOGG(_ context.Context, wav []byte) ([]byte, error) {
	f.mu.Lock()
	err := f.encodeErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return append([]byte("OGG|"), wav...), nil
}

func (f *Fake) Silence(_ context.Context, d time.Duration, path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("SILENCE|%dms", d.Milliseconds())), 0o644)
}

func (f *Fake) Concat(_ context.Context, inputs []string, outPath string) error {
	f.mu.Lock()
	f.concatCalls++
	f.mu.Unlock()

	var parts []string
	for _, input := range inputs {
		data, err := os.ReadFile(input)
		if err != nil {
			return err
		}
		parts = append(parts, string(data))
	}
	return os.WriteFile(outPath, []byte(strings.Join(parts, "\n")), 0o644)
}

func (f *Fake) Duration(_ context.Context, path string) (time.Duration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	// 1 ms per byte keeps durations deterministic and non-zero.
	return time.Duration(info.Size()) * time.Millisecond, nil
}
