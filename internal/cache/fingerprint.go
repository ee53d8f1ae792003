package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint is the canonical identity of a synthesized segment. Two
// segments share cached audio exactly when every field here matches.
// PackVersions must be the snapshot taken at job admission, not the live
// store, so a pack edit mid-job cannot split a job across dictionary
// generations.
type Fingerprint struct {
	ModelID      string
	VoiceID      string
	Text         string // normalized segment text
	PackVersions map[string]string
	PauseScale   float64
	Speed        float64
	QuoteMode    string // "" means "normal"
	AcronymMode  string // "" means "off"
	NumberMode   string // "" means "cardinal"

	// CompilerVersion and PhonemeMode identify the dictionary toolchain:
	// bumping either invalidates every cached segment.
	CompilerVersion string
	PhonemeMode     string
}

// Key returns the hex sha256 of the canonical payload. Fields are joined
// with NUL so no field boundary can be forged by crafted text, and pack
// versions are serialized in sorted order for determinism.
func (f Fingerprint) Key() string {
	pauseScale := f.PauseScale
	if pauseScale == 0 {
		pauseScale = 1.0
	}
	speed := f.Speed
	if speed == 0 {
		speed = 1.0
	}
	quoteMode := f.QuoteMode
	if quoteMode == "" {
		quoteMode = "normal"
	}
	acronymMode := f.AcronymMode
	if acronymMode == "" {
		acronymMode = "off"
	}
	numberMode := f.NumberMode
	if numberMode == "" {
		numberMode = "cardinal"
	}

	names := make([]string, 0, len(f.PackVersions))
	for name := range f.PackVersions {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = name + "=" + f.PackVersions[name]
	}

	h := sha256.New()
	for _, field := range []string{
		f.ModelID,
		f.VoiceID,
		f.Text,
		strings.Join(pairs, ","),
		strconv.FormatFloat(pauseScale, 'f', 3, 64),
		strconv.FormatFloat(speed, 'f', 3, 64),
		quoteMode,
		acronymMode,
		numberMode,
		f.CompilerVersion,
		f.PhonemeMode,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
