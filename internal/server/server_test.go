package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/example/pronouncex/internal/cache"
	"github.com/example/pronouncex/internal/codec"
	"github.com/example/pronouncex/internal/config"
	"github.com/example/pronouncex/internal/dict"
	"github.com/example/pronouncex/internal/job"
	"github.com/example/pronouncex/internal/merge"
	"github.com/example/pronouncex/internal/phoneme"
	"github.com/example/pronouncex/internal/resolve"
	"github.com/example/pronouncex/internal/synth"
	"github.com/example/pronouncex/internal/worker"
)

type serverFixture struct {
	ts      *httptest.Server
	manager *job.Manager
	backend *job.Memory
	worker  *worker.Worker
	dicts   *dict.Store
	cache   *cache.Store
	cfg     config.Config
}

func newServerFixture(t *testing.T, mutateCfg func(*config.Config), opts ...Option) *serverFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.DefaultConfig()
	cfg.Dicts.CompiledDir = t.TempDir()
	if mutateCfg != nil {
		mutateCfg(&cfg)
	}

	dictDir := t.TempDir()
	pack := `{"name":"anime_en","entries":{"Gojo":"goUdZoU"}}`
	if err := os.WriteFile(dictDir+"/anime_en.json", []byte(pack), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}
	dicts := dict.NewStore(dictDir, log)
	if err := dicts.Load(); err != nil {
		t.Fatalf("dict load: %v", err)
	}

	cacheStore, err := cache.NewStore(t.TempDir(), 0, log)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	backend := job.NewMemory()
	manager := job.NewManager(backend, dicts, cacheStore, cfg, job.WithManagerLogger(log))
	cod := codec.NewFakeCodec()
	merger, err := merge.New(cacheStore, cod, backend, t.TempDir(), merge.WithLogger(log))
	if err != nil {
		t.Fatalf("merger: %v", err)
	}

	w := worker.New(manager, resolve.New(dicts, nil), synth.NewFake(), cod, cacheStore,
		worker.Config{Workers: 1, MaxRetries: 1}, worker.WithID("w-test"), worker.WithLogger(log))

	h := NewHandler(Deps{
		Manager:    manager,
		Merger:     merger,
		Cache:      cacheStore,
		Dicts:      dicts,
		Phonemizer: phoneme.NewFake(map[string]string{"Mahito": "m@hito"}),
		Models:     cfg.Models,
		DictsCfg:   cfg.Dicts,
	}, append([]Option{WithLogger(log)}, opts...)...)

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return &serverFixture{ts: ts, manager: manager, backend: backend, worker: w,
		dicts: dicts, cache: cacheStore, cfg: cfg}
}

func (f *serverFixture) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	payload, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, payload
}

func decode[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		t.Fatalf("decode %q: %v", payload, err)
	}
	return v
}

// drainQueue runs the worker loop by hand until the queue is empty.
func (f *serverFixture) drainQueue(t *testing.T) {
	t.Helper()
	ctx := t.Context()
	for i := 0; i < 50; i++ {
		ref, ok, err := f.backend.Dequeue(ctx, 20*time.Millisecond)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if !ok {
			return
		}
		f.worker.Handle(ctx, ref)
	}
	t.Fatal("queue did not drain")
}

func TestHealthRoute(t *testing.T) {
	f := newServerFixture(t, nil)
	resp, payload := f.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, payload)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestModelsRoute(t *testing.T) {
	f := newServerFixture(t, nil)
	resp, payload := f.do(t, http.MethodGet, "/v1/models", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[struct {
		Models []struct {
			ModelID string `json:"model_id"`
			Label   string `json:"label"`
		} `json:"models"`
	}](t, payload)
	if len(body.Models) != 2 || body.Models[0].Label != "default" || body.Models[1].Label != "quality" {
		t.Errorf("models = %+v", body.Models)
	}
}

func TestSubmitRejections(t *testing.T) {
	f := newServerFixture(t, func(c *config.Config) {
		c.Jobs.MaxTextChars = 100
	})
	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"empty text", `{"text":"   "}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
		{"oversized text", fmt.Sprintf(`{"text":%q}`, strings.Repeat("A. ", 200)), http.StatusRequestEntityTooLarge},
		{"disallowed model", `{"text":"hello there","model_id":"rogue/model"}`, http.StatusBadRequest},
		{"unknown quote mode", `{"text":"hello there","reading_profile":{"quote_mode":"loose"}}`, http.StatusBadRequest},
		{"unknown number mode", `{"text":"hello there","reading_profile":{"number_mode":"roman"}}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, _ := f.do(t, http.MethodPost, "/v1/tts/jobs", tc.body, nil)
		if resp.StatusCode != tc.status {
			t.Errorf("%s: status = %d; want %d", tc.name, resp.StatusCode, tc.status)
		}
	}
}

func TestSubmitCapacityLimit(t *testing.T) {
	f := newServerFixture(t, func(c *config.Config) { c.Jobs.MaxActiveJobs = 1 })
	resp, _ := f.do(t, http.MethodPost, "/v1/tts/jobs", `{"text":"First chapter."}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first submit: %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/tts/jobs", `{"text":"Second chapter."}`, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second submit: %d; want 429", resp.StatusCode)
	}
}

func TestSubmitRequiresWorkersGate(t *testing.T) {
	f := newServerFixture(t, func(c *config.Config) { c.Jobs.RequireWorkers = true })
	resp, _ := f.do(t, http.MethodPost, "/v1/tts/jobs", `{"text":"Hello."}`, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d; want 503 with no worker heartbeat", resp.StatusCode)
	}
}

func TestSubmitIdempotencyKeyReplay(t *testing.T) {
	f := newServerFixture(t, nil)
	hdr := map[string]string{"Idempotency-Key": "chapter-9"}

	_, payload := f.do(t, http.MethodPost, "/v1/tts/jobs", `{"text":"Same text."}`, hdr)
	first := decode[struct {
		JobID string `json:"job_id"`
	}](t, payload)

	_, payload = f.do(t, http.MethodPost, "/v1/tts/jobs", `{"text":"Same text."}`, hdr)
	second := decode[struct {
		JobID    string `json:"job_id"`
		Replayed bool   `json:"replayed"`
	}](t, payload)

	if !second.Replayed || second.JobID != first.JobID {
		t.Errorf("replay = %+v; want job %s", second, first.JobID)
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t, nil)

	_, payload := f.do(t, http.MethodPost, "/v1/tts/jobs", `{"text":"Gojo appears."}`, nil)
	submitted := decode[struct {
		JobID    string  `json:"job_id"`
		Manifest jobView `json:"manifest"`
	}](t, payload)
	if submitted.Manifest.Status != "queued" || submitted.Manifest.SegmentsTotal != 1 {
		t.Fatalf("manifest = %+v", submitted.Manifest)
	}
	base := "/v1/tts/jobs/" + submitted.JobID

	// Pending segment: 202 with a polling hint.
	resp, payload := f.do(t, http.MethodGet, base+"/segments/0", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("pending segment status = %d; want 202", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "1" || resp.Header.Get("Cache-Control") != "no-store" {
		t.Errorf("pending headers: %v", resp.Header)
	}
	pending := decode[map[string]any](t, payload)
	if pending["retry_after_ms"] != float64(pendingRetryMS) {
		t.Errorf("pending body = %v", pending)
	}

	// Merged audio while running: progress body.
	resp, _ = f.do(t, http.MethodGet, base+"/audio.ogg", "", nil)
	if resp.StatusCode != http.StatusAccepted || resp.Header.Get("Retry-After") != "1" {
		t.Errorf("merged-while-running: %d %v", resp.StatusCode, resp.Header)
	}

	f.drainQueue(t)

	resp, payload = f.do(t, http.MethodGet, base, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("job get: %d", resp.StatusCode)
	}
	view := decode[jobView](t, payload)
	if view.Status != "done" || view.SegmentsReady != 1 || view.ProgressPct != 100 {
		t.Fatalf("view = %+v", view)
	}
	cacheKey := view.Segments[0].CacheKey

	// Ready segment: immutable cached audio with an ETag.
	resp, payload = f.do(t, http.MethodGet, base+"/segments/0", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready segment: %d", resp.StatusCode)
	}
	if resp.Header.Get("ETag") != `"`+cacheKey+`"` {
		t.Errorf("etag = %q", resp.Header.Get("ETag"))
	}
	if !strings.Contains(resp.Header.Get("Cache-Control"), "immutable") {
		t.Errorf("cache-control = %q", resp.Header.Get("Cache-Control"))
	}
	if !strings.HasPrefix(string(payload), "OGG|WAV|") {
		t.Errorf("segment audio = %q", payload)
	}

	// HEAD mirrors the headers without a body.
	resp, payload = f.do(t, http.MethodHead, base+"/segments/0", "", nil)
	if resp.StatusCode != http.StatusOK || len(payload) != 0 {
		t.Errorf("HEAD segment: %d body=%d bytes", resp.StatusCode, len(payload))
	}

	// Merged audio now streams.
	resp, payload = f.do(t, http.MethodGet, base+"/audio.ogg", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("merged audio: %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "audio/ogg" {
		t.Errorf("content-type = %q", resp.Header.Get("Content-Type"))
	}
	if got := resp.Header.Get("Content-Disposition"); !strings.Contains(got, "job_"+submitted.JobID) {
		t.Errorf("content-disposition = %q", got)
	}
	if len(payload) == 0 {
		t.Error("merged audio empty")
	}
}

func TestPlaylistReadinessContract(t *testing.T) {
	f := newServerFixture(t, nil)

	_, payload := f.do(t, http.MethodPost, "/v1/tts/jobs", `{"text":"Gojo appears."}`, nil)
	submitted := decode[struct {
		JobID string `json:"job_id"`
	}](t, payload)
	path := "/v1/tts/jobs/" + submitted.JobID + "/playlist.json"

	_, payload = f.do(t, http.MethodGet, path, "", nil)
	playlist := decode[struct {
		Segments []playlistEntry `json:"segments"`
	}](t, payload)
	if len(playlist.Segments) != 1 {
		t.Fatalf("playlist = %+v", playlist)
	}
	entry := playlist.Segments[0]
	if entry.Status != "queued" || entry.RetryAfterMS != pendingRetryMS {
		t.Errorf("pending entry = %+v", entry)
	}
	wantBackend := "/v1/tts/jobs/" + submitted.JobID + "/segments/0"
	if entry.URLBackend != wantBackend || entry.URLProxy != "/api/tts"+wantBackend {
		t.Errorf("urls = %+v", entry)
	}
	if entry.URLBest != entry.URLBackend {
		t.Errorf("best = %q; want backend without proxy header", entry.URLBest)
	}

	// With a forwarded prefix the proxy URL wins.
	_, payload = f.do(t, http.MethodGet, path, "", map[string]string{"X-Forwarded-Prefix": "/api/tts"})
	playlist = decode[struct {
		Segments []playlistEntry `json:"segments"`
	}](t, payload)
	if playlist.Segments[0].URLBest != playlist.Segments[0].URLProxy {
		t.Errorf("best = %q; want proxy with forwarded prefix", playlist.Segments[0].URLBest)
	}

	f.drainQueue(t)
	_, payload = f.do(t, http.MethodGet, path, "", nil)
	playlist = decode[struct {
		Segments []playlistEntry `json:"segments"`
	}](t, payload)
	if playlist.Segments[0].Status != "ready" || playlist.Segments[0].RetryAfterMS != 0 {
		t.Errorf("ready entry = %+v", playlist.Segments[0])
	}
}

func TestCancelRoute(t *testing.T) {
	f := newServerFixture(t, nil)
	_, payload := f.do(t, http.MethodPost, "/v1/tts/jobs", `{"text":"Cancel me."}`, nil)
	submitted := decode[struct {
		JobID string `json:"job_id"`
	}](t, payload)

	resp, payload := f.do(t, http.MethodPost, "/v1/tts/jobs/"+submitted.JobID+"/cancel", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d", resp.StatusCode)
	}
	view := decode[jobView](t, payload)
	if view.Status != "cancelled" {
		t.Errorf("status = %s", view.Status)
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/tts/jobs/"+submitted.JobID+"/audio.ogg", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("merged audio of cancelled job: %d; want 409", resp.StatusCode)
	}
}

func TestJobNotFound(t *testing.T) {
	f := newServerFixture(t, nil)
	resp, _ := f.do(t, http.MethodGet, "/v1/tts/jobs/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestReaderSynthesizeContract(t *testing.T) {
	f := newServerFixture(t, nil)
	resp, payload := f.do(t, http.MethodPost, "/v1/reader/synthesize",
		`{"text":"Gojo appears.","reading_profile":{"pause_scale":1.5,"rate":1.2,"quote_mode":"tight","acronym_mode":"spell","number_mode":"year","prefer_phonemes":true}}`,
		map[string]string{"X-Forwarded-Prefix": "/api/tts"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, payload)
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("body = %v", body)
	}
	wantPlaylist := "/api/tts/v1/tts/jobs/" + jobID + "/playlist.json"
	if body["playlist_url_proxy"] != wantPlaylist || body["playlist_url_best"] != wantPlaylist {
		t.Errorf("playlist urls = %v", body)
	}
	if body["audio_url_backend"] != "/v1/tts/jobs/"+jobID+"/audio.ogg" {
		t.Errorf("audio urls = %v", body)
	}

	j, err := f.manager.Get(t.Context(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.PauseScale != 1.5 || j.Speed != 1.2 {
		t.Errorf("reading profile scalars not applied: pause=%v speed=%v", j.PauseScale, j.Speed)
	}
	if j.QuoteMode != job.QuoteTight || j.AcronymMode != job.AcronymSpell ||
		j.NumberMode != job.NumberYear || !j.PreferPhonemes {
		t.Errorf("reading profile modes not applied: %+v", j)
	}
}

func TestAdminStatusSnapshot(t *testing.T) {
	f := newServerFixture(t, nil)
	_ = f.backend.Heartbeat(t.Context(), "w1", time.Minute)
	f.do(t, http.MethodPost, "/v1/tts/jobs", `{"text":"Gojo appears."}`, nil)

	resp, payload := f.do(t, http.MethodGet, "/v1/admin/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, payload)
	if body["workers_online"] != float64(1) || body["active_jobs"] != float64(1) || body["queue_len"] != float64(1) {
		t.Errorf("snapshot = %v", body)
	}
	if body["merge_lock_contention"] != float64(0) {
		t.Errorf("merge_lock_contention = %v; want 0", body["merge_lock_contention"])
	}
}

func TestAPIKeyGatesMutatingRoutes(t *testing.T) {
	f := newServerFixture(t, nil, WithAPIKey("sekrit"))

	resp, _ := f.do(t, http.MethodPost, "/v1/tts/jobs", `{"text":"Hello."}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: %d; want 401", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/tts/jobs", `{"text":"Hello there friend."}`,
		map[string]string{"Authorization": "Bearer sekrit"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token: %d", resp.StatusCode)
	}
	// Reads stay open.
	resp, _ = f.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health with auth enabled: %d", resp.StatusCode)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	f := newServerFixture(t, nil, WithRateLimit(3))
	var last int
	for i := 0; i < 10; i++ {
		resp, _ := f.do(t, http.MethodGet, "/health", "", nil)
		last = resp.StatusCode
		if last == http.StatusTooManyRequests {
			break
		}
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("rate limit never tripped; last = %d", last)
	}
}

func TestMetricsExposition(t *testing.T) {
	f := newServerFixture(t, nil)
	resp, payload := f.do(t, http.MethodGet, "/v1/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("content-type = %q", resp.Header.Get("Content-Type"))
	}
	if len(payload) == 0 {
		t.Error("empty exposition")
	}
}
