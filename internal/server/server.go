// Package server exposes the job service over HTTP: admission, status,
// playlists, segment and merged audio, and the dictionary management
// surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/pronouncex/internal/cache"
	"github.com/example/pronouncex/internal/config"
	"github.com/example/pronouncex/internal/dict"
	"github.com/example/pronouncex/internal/job"
	"github.com/example/pronouncex/internal/merge"
	"github.com/example/pronouncex/internal/phoneme"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	apiKey          string
	rateLimitPerMin int
	publicBaseURL   string
	logger          *slog.Logger
}

func defaultOptions() options {
	return options{
		publicBaseURL: "/api/tts",
		logger:        slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithAPIKey requires a bearer token on mutating routes. Empty disables
// the check.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithRateLimit sets the per-client request budget per minute. Zero or
// negative disables rate limiting.
func WithRateLimit(perMin int) Option {
	return func(o *options) { o.rateLimitPerMin = perMin }
}

// WithPublicBaseURL sets the proxy prefix used when building url_proxy
// entries in playlists.
func WithPublicBaseURL(base string) Option {
	return func(o *options) { o.publicBaseURL = strings.TrimRight(base, "/") }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

// handler holds the dependencies needed to serve HTTP requests.
type handler struct {
	manager    *job.Manager
	merger     *merge.Merger
	cache      *cache.Store
	dicts      *dict.Store
	phonemizer phoneme.Phonemizer
	models     config.ModelsConfig
	dictsCfg   config.DictsConfig
	opts       options
	log        *slog.Logger
}

// Deps bundles the subsystems the HTTP surface fronts. Phonemizer may be
// nil; the routes needing it answer 503.
type Deps struct {
	Manager    *job.Manager
	Merger     *merge.Merger
	Cache      *cache.Store
	Dicts      *dict.Store
	Phonemizer phoneme.Phonemizer
	Models     config.ModelsConfig
	DictsCfg   config.DictsConfig
}

// NewHandler returns the service's http.Handler with auth, rate limiting,
// and request logging applied.
func NewHandler(deps Deps, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		manager:    deps.Manager,
		merger:     deps.Merger,
		cache:      deps.Cache,
		dicts:      deps.Dicts,
		phonemizer: deps.Phonemizer,
		models:     deps.Models,
		dictsCfg:   deps.DictsCfg,
		opts:       opts,
		log:        opts.logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /v1/models", h.handleModels)

	mux.HandleFunc("GET /v1/dicts", h.handleDictList)
	mux.HandleFunc("POST /v1/dicts/upload", h.handleDictUpload)
	mux.HandleFunc("POST /v1/dicts/compile", h.handleDictCompile)
	mux.HandleFunc("GET /v1/dicts/lookup", h.handleDictLookup)
	mux.HandleFunc("POST /v1/dicts/learn", h.handleDictLearn)
	mux.HandleFunc("POST /v1/dicts/override", h.handleDictOverride)
	mux.HandleFunc("POST /v1/dicts/promote", h.handleDictPromote)
	mux.HandleFunc("GET /v1/dicts/phonemize", h.handleDictPhonemize)

	mux.HandleFunc("POST /v1/tts/jobs", h.handleSubmit)
	mux.HandleFunc("GET /v1/tts/jobs/{id}", h.handleJobGet)
	mux.HandleFunc("POST /v1/tts/jobs/{id}/cancel", h.handleJobCancel)
	mux.HandleFunc("GET /v1/tts/jobs/{id}/segments/{index}", h.handleSegment)
	mux.HandleFunc("HEAD /v1/tts/jobs/{id}/segments/{index}", h.handleSegment)
	mux.HandleFunc("GET /v1/tts/jobs/{id}/playlist.json", h.handlePlaylist)
	mux.HandleFunc("GET /v1/tts/jobs/{id}/audio.ogg", h.handleMergedAudio)
	mux.HandleFunc("HEAD /v1/tts/jobs/{id}/audio.ogg", h.handleMergedAudio)

	mux.HandleFunc("POST /v1/reader/synthesize", h.handleReaderSynthesize)

	mux.Handle("GET /v1/metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/admin/status", h.handleAdminStatus)

	var wrapped http.Handler = mux
	wrapped = h.requireAPIKey(wrapped)
	wrapped = h.rateLimit(wrapped)
	wrapped = h.logRequests(wrapped)
	return wrapped
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

func (h *handler) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ModelID string `json:"model_id"`
		Label   string `json:"label"`
	}
	var models []modelEntry
	for _, id := range h.models.Allowlist {
		label := ""
		switch id {
		case h.models.ModelID:
			label = "default"
		case h.models.ModelIDQuality:
			label = "quality"
		}
		models = append(models, modelEntry{ModelID: id, Label: label})
	}
	if models == nil {
		models = []modelEntry{{ModelID: h.models.ModelID, Label: "default"}}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server — wires handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful
// shutdown.
type Server struct {
	cfg             config.ServerConfig
	handler         http.Handler
	shutdownTimeout time.Duration
}

// New creates a server around an assembled handler.
func New(cfg config.ServerConfig, handler http.Handler) *Server {
	timeout := time.Duration(cfg.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		cfg:             cfg,
		handler:         handler,
		shutdownTimeout: timeout,
	}
}

// Start serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP checks a running instance's /health endpoint.
func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
