package synth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// instanceKey identifies one loaded model instance.
type instanceKey struct {
	modelID string
	voiceID string
}

// instance serializes synthesis on one (model, voice) pair. Engines hold
// per-voice state that is not safe to share across concurrent calls.
type instance struct {
	mu     sync.Mutex
	warmed bool
}

// PoolOption configures the pool.
type PoolOption func(*Pool)

// WithAllowlist restricts which model IDs the pool will serve. Empty
// means allow everything.
func WithAllowlist(models []string) PoolOption {
	return func(p *Pool) {
		if len(models) == 0 {
			return
		}
		p.allowed = map[string]bool{}
		for _, m := range models {
			p.allowed[m] = true
		}
	}
}

// WithWarmup runs a short throwaway synthesis the first time an instance
// is used, so the first real segment does not pay model load latency.
func WithWarmup(text string) PoolOption {
	return func(p *Pool) { p.warmupText = text }
}

// WithPoolLogger overrides the default logger.
func WithPoolLogger(log *slog.Logger) PoolOption {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// Pool hands out serialized access to model instances. Distinct
// (model, voice) pairs synthesize concurrently; calls on the same pair
// queue on the instance mutex.
type Pool struct {
	engine     Synthesizer
	log        *slog.Logger
	allowed    map[string]bool
	warmupText string

	mu        sync.Mutex
	instances map[instanceKey]*instance
}

// NewPool wraps an engine with instance management.
func NewPool(engine Synthesizer, opts ...PoolOption) *Pool {
	p := &Pool{
		engine:    engine,
		log:       slog.Default(),
		instances: map[instanceKey]*instance{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Allowed reports whether the model ID passes the allowlist.
func (p *Pool) Allowed(modelID string) bool {
	return p.allowed == nil || p.allowed[modelID]
}

func (p *Pool) instanceFor(key instanceKey) *instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[key]
	if !ok {
		inst = &instance{}
		p.instances[key] = inst
	}
	return inst
}

// Synthesize runs one request on its model instance, holding the
// instance lock for the duration of the engine call.
func (p *Pool) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if !p.Allowed(req.ModelID) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotAllowed, req.ModelID)
	}

	inst := p.instanceFor(instanceKey{modelID: req.ModelID, voiceID: req.VoiceID})
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !inst.warmed && p.warmupText != "" {
		warm := req
		warm.Text = p.warmupText
		if _, err := p.engine.Synthesize(ctx, warm); err != nil {
			p.log.Warn("model warmup failed",
				"model", req.ModelID, "voice", req.VoiceID, "error", err)
		}
		inst.warmed = true
	}

	return p.engine.Synthesize(ctx, req)
}
