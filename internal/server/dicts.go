package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/pronouncex/internal/dict"
)

func (h *handler) handleDictList(w http.ResponseWriter, _ *http.Request) {
	type packView struct {
		Name       string `json:"name"`
		Version    string `json:"version"`
		EntryCount int    `json:"entry_count"`
	}
	packs := []packView{}
	for _, p := range h.dicts.Ordered() {
		packs = append(packs, packView{Name: p.Name, Version: p.Version, EntryCount: len(p.Entries)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"packs": packs})
}

func (h *handler) handleDictUpload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string                `json:"name"`
		Entries map[string]dict.Entry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		name = dict.PackLocalOverrides
	}
	if len(body.Entries) == 0 {
		writeError(w, http.StatusBadRequest, "entries must be non-empty")
		return
	}
	for key, entry := range body.Entries {
		if strings.TrimSpace(key) == "" || entry.Phonemes == "" {
			writeError(w, http.StatusBadRequest, "entries must map non-empty keys to phonemes")
			return
		}
	}

	var version string
	for key, entry := range body.Entries {
		p, err := h.dicts.Upsert(name, key, entry.Phonemes, "upload")
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store entry failed")
			return
		}
		version = p.Version
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pack":    name,
		"version": version,
		"added":   len(body.Entries),
	})
}

// handleDictCompile flattens the pack set into one snapshot under the
// compiled directory, priority already applied: a consumer can look keys
// up without knowing the layering.
func (h *handler) handleDictCompile(w http.ResponseWriter, _ *http.Request) {
	compiled := &dict.Pack{
		Name:    "compiled",
		Format:  dict.FormatEspeak,
		Entries: map[string]dict.Entry{},
	}
	ordered := h.dicts.Ordered()
	// Walk lowest priority first so higher-priority packs overwrite.
	for i := len(ordered) - 1; i >= 0; i-- {
		p := ordered[i]
		for key, entry := range p.Entries {
			if entry.Phonemes == "" {
				continue
			}
			compiled.Entries[key] = dict.Entry{Phonemes: entry.Phonemes, Source: p.Name}
		}
	}

	if err := os.MkdirAll(h.dictsCfg.CompiledDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "create compiled dir failed")
		return
	}
	path := filepath.Join(h.dictsCfg.CompiledDir,
		"compiled-"+h.dictsCfg.CompilerVersion+".json")
	if err := dict.WritePack(compiled, path); err != nil {
		writeError(w, http.StatusInternalServerError, "write compiled pack failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"path":             path,
		"entry_count":      len(compiled.Entries),
		"version":          compiled.Version,
		"compiler_version": h.dictsCfg.CompilerVersion,
		"compiled_at":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) handleDictLookup(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "key query parameter is required")
		return
	}
	phonemes, packName, ok := h.dicts.Lookup(key)
	if !ok {
		writeError(w, http.StatusNotFound, "no pronunciation for key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"key":         key,
		"phonemes":    phonemes,
		"source_pack": packName,
	})
}

// handleDictLearn resolves a key through the fallback phonemizer and
// persists it into the auto_learn pack.
func (h *handler) handleDictLearn(w http.ResponseWriter, r *http.Request) {
	if h.phonemizer == nil {
		writeError(w, http.StatusServiceUnavailable, "fallback phonemizer not configured")
		return
	}
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	key := strings.TrimSpace(body.Key)
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	// A key already known to a pack short-circuits the phonemizer.
	if phonemes, packName, ok := h.dicts.Lookup(key); ok {
		writeJSON(w, http.StatusOK, map[string]string{
			"key":         key,
			"phonemes":    phonemes,
			"source_pack": packName,
		})
		return
	}

	phonemes, err := h.phonemizer.Phonemize(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusBadGateway, "phonemizer failed: "+err.Error())
		return
	}
	if _, err := h.dicts.Upsert(dict.PackAutoLearn, key, phonemes, "learned"); err != nil {
		writeError(w, http.StatusInternalServerError, "store learned entry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"key":         key,
		"phonemes":    phonemes,
		"source_pack": dict.PackAutoLearn,
	})
}

func (h *handler) handleDictOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pack     string `json:"pack"`
		Key      string `json:"key"`
		Phonemes string `json:"phonemes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Pack == "" {
		body.Pack = dict.PackLocalOverrides
	}
	p, err := h.dicts.Upsert(body.Pack, body.Key, body.Phonemes, "override")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"pack":     p.Name,
		"version":  p.Version,
		"key":      strings.TrimSpace(body.Key),
		"phonemes": strings.TrimSpace(body.Phonemes),
	})
}

func (h *handler) handleDictPromote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key        string `json:"key"`
		TargetPack string `json:"target_pack"`
		Overwrite  bool   `json:"overwrite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.TargetPack == "" {
		body.TargetPack = dict.PackLocalOverrides
	}
	phonemes, err := h.dicts.Promote(body.Key, body.TargetPack, body.Overwrite)
	if err != nil {
		switch {
		case errors.Is(err, dict.ErrEntryExists):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, dict.ErrEntryNotFound), errors.Is(err, dict.ErrPackNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "promote failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"key":      body.Key,
		"pack":     body.TargetPack,
		"phonemes": phonemes,
	})
}

func (h *handler) handleDictPhonemize(w http.ResponseWriter, r *http.Request) {
	if h.phonemizer == nil {
		writeError(w, http.StatusServiceUnavailable, "fallback phonemizer not configured")
		return
	}
	textParam := strings.TrimSpace(r.URL.Query().Get("text"))
	if textParam == "" {
		writeError(w, http.StatusBadRequest, "text query parameter is required")
		return
	}
	phonemes, err := h.phonemizer.Phonemize(r.Context(), textParam)
	if err != nil {
		writeError(w, http.StatusBadGateway, "phonemizer failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"text":     textParam,
		"phonemes": phonemes,
	})
}
