package phoneme

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is a deterministic in-process phonemizer for tests and for running
// without espeak-ng installed. Unknown tokens get a synthetic phoneme
// string derived from their spelling, so resolution stays deterministic.
type Fake struct {
	mu      sync.Mutex
	known   map[string]string
	calls   []string
	failOn  map[string]error
}

// NewFake creates a fake phonemizer with optional preloaded mappings.
func NewFake(known map[string]string) *Fake {
	f := &Fake{known: map[string]string{}, failOn: map[string]error{}}
	for k, v := range known {
		f.known[strings.ToLower(k)] = v
	}
	return f
}

// FailWith makes Phonemize return err for the given text.
func (f *Fake) FailWith(text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[strings.ToLower(text)] = err
}

// Calls returns the texts phonemized so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) Phonemize(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)

	lowered := strings.ToLower(strings.TrimSpace(text))
	if err, ok := f.failOn[lowered]; ok {
		return "", err
	}
	if ph, ok := f.known[lowered]; ok {
		return ph, nil
	}
	return fmt.Sprintf("ph(%s)", lowered), nil
}
