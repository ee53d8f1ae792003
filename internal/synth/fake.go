package synth

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a deterministic in-process engine for tests. Output bytes are
// a function of the request, so cache and fingerprint behavior can be
// asserted without a real model.
type Fake struct {
	mu       sync.Mutex
	calls    []Request
	failures map[string]error
	delay    func(ctx context.Context) error
}

// NewFake creates a fake engine.
func NewFake() *Fake {
	return &Fake{failures: map[string]error{}}
}

// FailOn makes synthesis of text on modelID return err.
func (f *Fake) FailOn(modelID, text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[modelID+"\x00"+text] = err
}

// Block installs a hook invoked before each call, letting tests hold a
// synthesis mid-flight or inject context cancellation.
func (f *Fake) Block(fn func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = fn
}

// Calls returns the requests seen so far.
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

func (f *Fake) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	failure := f.failures[req.ModelID+"\x00"+req.Text]
	delay := f.delay
	f.mu.Unlock()

	if delay != nil {
		if err := delay(ctx); err != nil {
			return nil, err
		}
	}
	if failure != nil {
		return nil, failure
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("WAV|%s|%s|%s", req.ModelID, req.VoiceID, req.Text)), nil
}
