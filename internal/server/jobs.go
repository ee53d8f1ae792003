package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/example/pronouncex/internal/job"
	"github.com/example/pronouncex/internal/merge"
	"github.com/example/pronouncex/internal/text"
)

// pendingRetryMS is the polling hint handed to clients waiting on a
// segment or merged file.
const pendingRetryMS = 500

type segmentView struct {
	SegmentID    string `json:"segment_id"`
	Index        int    `json:"index"`
	Status       string `json:"status"`
	CacheKey     string `json:"cache_key"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	FallbackUsed bool   `json:"fallback_used,omitempty"`
	UsedQuality  bool   `json:"used_quality,omitempty"`
}

type jobView struct {
	JobID              string            `json:"job_id"`
	Status             string            `json:"status"`
	ModelID            string            `json:"model_id"`
	VoiceID            string            `json:"voice_id,omitempty"`
	PauseScale         float64           `json:"pause_scale"`
	Speed              float64           `json:"speed"`
	QuoteMode          string            `json:"quote_mode,omitempty"`
	AcronymMode        string            `json:"acronym_mode,omitempty"`
	NumberMode         string            `json:"number_mode,omitempty"`
	PreferPhonemes     bool              `json:"prefer_phonemes,omitempty"`
	PackVersions       map[string]string `json:"pack_versions,omitempty"`
	Error              string            `json:"error,omitempty"`
	SegmentsTotal      int               `json:"segments_total"`
	SegmentsReady      int               `json:"segments_ready"`
	SegmentsError      int               `json:"segments_error"`
	SegmentsInProgress int               `json:"segments_in_progress"`
	ProgressPct        float64           `json:"progress_pct"`
	Segments           []segmentView     `json:"segments"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func viewOf(j *job.Job) jobView {
	counts := j.SegmentCounts()
	v := jobView{
		JobID:              j.ID,
		Status:             string(j.Status),
		ModelID:            j.ModelID,
		VoiceID:            j.VoiceID,
		PauseScale:         j.PauseScale,
		Speed:              j.Speed,
		QuoteMode:          j.QuoteMode,
		AcronymMode:        j.AcronymMode,
		NumberMode:         j.NumberMode,
		PreferPhonemes:     j.PreferPhonemes,
		PackVersions:       j.PackVersions,
		Error:              j.Error,
		SegmentsTotal:      counts.Total,
		SegmentsReady:      counts.Ready,
		SegmentsError:      counts.Errored,
		SegmentsInProgress: counts.Running,
		ProgressPct:        j.Progress() * 100,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
	for _, seg := range j.Segments {
		v.Segments = append(v.Segments, segmentView{
			SegmentID:    job.SegmentRef{JobID: j.ID, Index: seg.Index}.String(),
			Index:        seg.Index,
			Status:       string(seg.Status),
			CacheKey:     seg.CacheKey,
			Attempts:     seg.Attempts,
			Error:        seg.Error,
			DurationMS:   seg.DurationMS,
			FallbackUsed: seg.FallbackUsed,
			UsedQuality:  seg.UsedQuality,
		})
	}
	return v
}

type submitBody struct {
	Text           string  `json:"text"`
	ModelID        string  `json:"model_id"`
	VoiceID        string  `json:"voice_id"`
	PauseScale     float64 `json:"pause_scale"`
	Speed          float64 `json:"speed"`
	PreferPhonemes bool    `json:"prefer_phonemes"`

	// ReadingProfile is the reader client's bundled shape of the same
	// knobs. Rate is the reader's name for speed.
	ReadingProfile *struct {
		PauseScale     float64 `json:"pause_scale"`
		Speed          float64 `json:"speed"`
		Rate           float64 `json:"rate"`
		QuoteMode      string  `json:"quote_mode"`
		AcronymMode    string  `json:"acronym_mode"`
		NumberMode     string  `json:"number_mode"`
		PreferPhonemes bool    `json:"prefer_phonemes"`
	} `json:"reading_profile,omitempty"`
}

func (b submitBody) toRequest(idempotencyKey string) job.SubmitRequest {
	req := job.SubmitRequest{
		Text:           b.Text,
		ModelID:        b.ModelID,
		VoiceID:        b.VoiceID,
		PauseScale:     b.PauseScale,
		Speed:          b.Speed,
		PreferPhonemes: b.PreferPhonemes,
		IdempotencyKey: idempotencyKey,
	}
	if p := b.ReadingProfile; p != nil {
		if p.PauseScale > 0 {
			req.PauseScale = p.PauseScale
		}
		if p.Speed > 0 {
			req.Speed = p.Speed
		}
		if p.Rate > 0 {
			req.Speed = p.Rate
		}
		req.QuoteMode = p.QuoteMode
		req.AcronymMode = p.AcronymMode
		req.NumberMode = p.NumberMode
		req.PreferPhonemes = req.PreferPhonemes || p.PreferPhonemes
	}
	return req
}

// submitStatus maps admission failures onto the HTTP contract:
// 400 invalid, 413 too large, 429 capacity, 503 no workers.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, text.ErrEmptyText), errors.Is(err, job.ErrModelNotAllowed),
		errors.Is(err, job.ErrInvalidProfile):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrTextTooLong), errors.Is(err, job.ErrTooManySegments):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, job.ErrTooManyJobs):
		return http.StatusTooManyRequests
	case errors.Is(err, job.ErrNoWorkers):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := h.manager.Submit(r.Context(), body.toRequest(r.Header.Get("Idempotency-Key")))
	if err != nil {
		status := submitStatus(err)
		if status == http.StatusInternalServerError {
			h.log.ErrorContext(r.Context(), "admission failed", slog.String("error", err.Error()))
			writeError(w, status, "admission failed")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   res.Job.ID,
		"replayed": res.Replayed,
		"manifest": viewOf(res.Job),
	})
}

func (h *handler) loadJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	j, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
		} else {
			writeError(w, http.StatusInternalServerError, "load job failed")
		}
		return nil, false
	}
	return j, true
}

func (h *handler) handleJobGet(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

func (h *handler) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	j, err := h.manager.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

func (h *handler) handleSegment(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid segment index")
		return
	}
	seg, err := j.Segment(index)
	if err != nil {
		writeError(w, http.StatusNotFound, "segment not found")
		return
	}

	switch seg.Status {
	case job.SegmentReady:
		file, _, err := h.cache.Open(seg.CacheKey)
		if err != nil {
			// Ready but evicted between settle and fetch.
			writeError(w, http.StatusNotFound, "segment audio no longer cached")
			return
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "stat segment failed")
			return
		}
		w.Header().Set("Content-Type", "audio/ogg")
		w.Header().Set("ETag", `"`+seg.CacheKey+`"`)
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		http.ServeContent(w, r, seg.CacheKey+".ogg", info.ModTime(), file)
	case job.SegmentQueued, job.SegmentRunning:
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":         string(seg.Status),
			"retry_after_ms": pendingRetryMS,
		})
	default:
		writeJSON(w, http.StatusConflict, map[string]any{
			"status": string(seg.Status),
			"error":  seg.Error,
		})
	}
}

type playlistEntry struct {
	SegmentID    string `json:"segment_id"`
	Index        int    `json:"index"`
	Status       string `json:"status"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	RetryAfterMS int    `json:"retry_after_ms,omitempty"`
	URLProxy     string `json:"url_proxy"`
	URLBackend   string `json:"url_backend"`
	URLBest      string `json:"url_best"`
}

// urlTriple builds the proxy/backend/best variants of one path. Best
// follows the client's declared proxy preference.
func (h *handler) urlTriple(r *http.Request, path string) (proxy, backend, best string) {
	backend = path
	proxy = h.opts.publicBaseURL + path
	if r.Header.Get("X-Forwarded-Prefix") != "" {
		return proxy, backend, proxy
	}
	return proxy, backend, backend
}

func (h *handler) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	entries := make([]playlistEntry, 0, len(j.Segments))
	for _, seg := range j.Segments {
		path := fmt.Sprintf("/v1/tts/jobs/%s/segments/%d", j.ID, seg.Index)
		proxy, backend, best := h.urlTriple(r, path)
		entry := playlistEntry{
			SegmentID:  job.SegmentRef{JobID: j.ID, Index: seg.Index}.String(),
			Index:      seg.Index,
			Status:     string(seg.Status),
			DurationMS: seg.DurationMS,
			URLProxy:   proxy,
			URLBackend: backend,
			URLBest:    best,
		}
		if seg.Status != job.SegmentReady {
			entry.RetryAfterMS = pendingRetryMS
		}
		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       j.ID,
		"status":       string(j.Status),
		"progress_pct": j.Progress() * 100,
		"segments":     entries,
	})
}

func (h *handler) writeProgress(w http.ResponseWriter, j *job.Job) {
	counts := j.SegmentCounts()
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":               j.ID,
		"status":               string(j.Status),
		"progress_pct":         j.Progress() * 100,
		"segments_total":       counts.Total,
		"segments_ready":       counts.Ready,
		"segments_error":       counts.Errored,
		"segments_in_progress": counts.Running,
		"retry_after_ms":       pendingRetryMS,
	})
}

func (h *handler) handleMergedAudio(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if !j.Status.Terminal() {
		h.writeProgress(w, j)
		return
	}
	if j.Status == job.StatusCancelled {
		writeError(w, http.StatusConflict, "job cancelled")
		return
	}

	key, err := h.merger.Merge(r.Context(), j)
	if err != nil {
		switch {
		case errors.Is(err, merge.ErrInProgress):
			// The merger already waited its lock budget; the holder is
			// taking unusually long.
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "merge in progress, retry shortly")
		case errors.Is(err, merge.ErrNothingToMerge):
			writeError(w, http.StatusConflict, "no ready segments to merge")
		default:
			h.log.ErrorContext(r.Context(), "merge failed",
				slog.String("job", j.ID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "merge failed")
		}
		return
	}

	file, err := h.merger.OpenMerged(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "open merged file failed")
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stat merged file failed")
		return
	}
	w.Header().Set("Content-Type", "audio/ogg")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", "job_"+j.ID+".ogg"))
	w.Header().Set("ETag", `"`+key+`"`)
	http.ServeContent(w, r, key+".ogg", info.ModTime(), file)
}

func (h *handler) handleReaderSynthesize(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := h.manager.Submit(r.Context(), body.toRequest(r.Header.Get("Idempotency-Key")))
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}

	j := res.Job
	playlistProxy, playlistBackend, playlistBest := h.urlTriple(r, fmt.Sprintf("/v1/tts/jobs/%s/playlist.json", j.ID))
	audioProxy, audioBackend, audioBest := h.urlTriple(r, fmt.Sprintf("/v1/tts/jobs/%s/audio.ogg", j.ID))

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":               j.ID,
		"status":               string(j.Status),
		"replayed":             res.Replayed,
		"segments_total":       len(j.Segments),
		"playlist_url_proxy":   playlistProxy,
		"playlist_url_backend": playlistBackend,
		"playlist_url_best":    playlistBest,
		"audio_url_proxy":      audioProxy,
		"audio_url_backend":    audioBackend,
		"audio_url_best":       audioBest,
	})
}

func (h *handler) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	backend := h.manager.Backend()

	online, err := backend.WorkersOnline(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "backend unavailable")
		return
	}
	queueLen, _ := backend.QueueLen(ctx)

	activeJobs := 0
	retries := 0
	qualityFallbacks := 0
	ids, _ := backend.ListJobIDs(ctx)
	for _, id := range ids {
		j, err := backend.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if !j.Status.Terminal() {
			activeJobs++
		}
		for _, seg := range j.Segments {
			if seg.Attempts > 1 {
				retries += seg.Attempts - 1
			}
			if seg.UsedQuality {
				qualityFallbacks++
			}
		}
	}

	cacheEntries, cacheBytes, _ := h.cache.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"workers_online":        online,
		"queue_len":             queueLen,
		"active_jobs":           activeJobs,
		"retry_counts":          retries,
		"fallback_model_usage":  qualityFallbacks,
		"merge_lock_contention": h.merger.ContentionCount(),
		"cache_entries":         cacheEntries,
		"cache_bytes":           cacheBytes,
	})
}
