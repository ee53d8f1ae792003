// Package resolve rewrites text segments so every word with a known
// pronunciation carries explicit phonemes before synthesis.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/example/pronouncex/internal/dict"
	"github.com/example/pronouncex/internal/phoneme"
)

// SourceFallback marks units resolved by the grapheme-to-phoneme fallback
// rather than a dictionary pack.
const SourceFallback = "fallback"

// Unit is one resolved span of a segment: either plain text (no Source)
// or text with an explicit pronunciation and where it came from.
type Unit struct {
	Text     string `json:"text"`
	Phonemes string `json:"phonemes,omitempty"`
	Source   string `json:"source,omitempty"`
}

// Result is a fully resolved segment.
type Result struct {
	Units  []Unit         `json:"units"`
	Counts map[string]int `json:"counts"`
}

// FallbackUsed reports whether any unit needed the phonemizer.
func (r Result) FallbackUsed() bool {
	return r.Counts[SourceFallback] > 0
}

// Annotated renders the segment in espeak phoneme-input markup:
// resolved words become [[phonemes]] with their surrounding punctuation
// kept in place, so pause handling downstream still sees the commas and
// periods. Resolving an already-annotated segment is a no-op.
func (r Result) Annotated() string {
	var b strings.Builder
	for i, u := range r.Units {
		if i > 0 {
			b.WriteByte(' ')
		}
		if u.Phonemes == "" {
			b.WriteString(u.Text)
			continue
		}
		lead, _, trail := splitPunct(u.Text)
		b.WriteString(lead)
		b.WriteString("[[")
		b.WriteString(u.Phonemes)
		b.WriteString("]]")
		b.WriteString(trail)
	}
	return b.String()
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLearner records fallback pronunciations into the auto_learn pack.
func WithLearner(l *dict.Learner) Option {
	return func(r *Resolver) { r.learner = l }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

// Resolver maps segment text to pronunciations using the pack store, with
// a phonemizer fallback for tokens no pack covers.
type Resolver struct {
	store      *dict.Store
	phonemizer phoneme.Phonemizer
	learner    *dict.Learner
	log        *slog.Logger
}

// New creates a resolver. phonemizer may be nil, in which case unknown
// tokens pass through as plain text.
func New(store *dict.Store, phonemizer phoneme.Phonemizer, opts ...Option) *Resolver {
	r := &Resolver{
		store:      store,
		phonemizer: phonemizer,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type phraseEntry struct {
	words    []string // lowercased words of the key
	key      string
	phonemes string
	pack     string
}

// Resolve runs the phrase pass then the token pass over one normalized
// segment. Matching is case-insensitive; the original spelling is kept on
// each unit. Phrases are matched greedily, longest (by word count) first,
// with higher-priority packs winning ties.
func (r *Resolver) Resolve(ctx context.Context, segment string) (Result, error) {
	tokens := strings.Fields(segment)
	result := Result{Counts: map[string]int{}}
	if len(tokens) == 0 {
		return result, nil
	}

	phrases := r.phraseTable()

	for i := 0; i < len(tokens); {
		// Already-annotated spans pass through untouched, keeping
		// Resolve idempotent. Phoneme strings are space-separated, so
		// the span runs from the [[ token through the ]] token.
		if strings.Contains(tokens[i], "[[") {
			end := i
			for end < len(tokens) && !strings.Contains(tokens[end], "]]") {
				end++
			}
			if end < len(tokens) {
				end++
			}
			for ; i < end; i++ {
				result.Units = append(result.Units, Unit{Text: tokens[i]})
			}
			continue
		}

		if entry, n := matchPhrase(phrases, tokens[i:]); n > 0 {
			matched := strings.Join(tokens[i:i+n], " ")
			result.Units = append(result.Units, Unit{
				Text:     matched,
				Phonemes: entry.phonemes,
				Source:   entry.pack,
			})
			result.Counts[entry.pack]++
			i += n
			continue
		}

		unit, err := r.resolveToken(ctx, tokens[i], &result)
		if err != nil {
			return Result{}, err
		}
		result.Units = append(result.Units, unit)
		i++
	}
	return result, nil
}

func (r *Resolver) resolveToken(ctx context.Context, token string, result *Result) (Unit, error) {
	_, core, _ := splitPunct(token)
	if core == "" || !hasLetter(core) {
		return Unit{Text: token}, nil
	}

	if phonemes, pack, ok := r.store.Lookup(core); ok {
		result.Counts[pack]++
		return Unit{Text: token, Phonemes: phonemes, Source: pack}, nil
	}

	if r.phonemizer == nil {
		return Unit{Text: token}, nil
	}
	phonemes, err := r.phonemizer.Phonemize(ctx, core)
	if err != nil {
		return Unit{}, fmt.Errorf("phonemize %q: %w", core, err)
	}
	result.Counts[SourceFallback]++
	if r.learner != nil {
		r.learner.Learn(core, phonemes)
	}
	return Unit{Text: token, Phonemes: phonemes, Source: SourceFallback}, nil
}

// phraseTable collects multi-word keys from every pack, ordered so that a
// scan returns the highest-priority match: priority order across packs,
// longest key first within a pack.
func (r *Resolver) phraseTable() []phraseEntry {
	var table []phraseEntry
	for _, p := range r.store.Ordered() {
		for _, key := range p.PhraseKeys() {
			phonemes, ok := p.Get(key)
			if !ok {
				continue
			}
			table = append(table, phraseEntry{
				words:    strings.Fields(strings.ToLower(key)),
				key:      key,
				phonemes: phonemes,
				pack:     p.Name,
			})
		}
	}
	return table
}

// matchPhrase returns the first table entry whose words match the head of
// tokens (punctuation-stripped, case-insensitive) and the token count
// consumed. Longer matches win over shorter ones; table order breaks ties.
func matchPhrase(table []phraseEntry, tokens []string) (phraseEntry, int) {
	best := -1
	bestLen := 0
	for idx, entry := range table {
		n := len(entry.words)
		if n > len(tokens) || n <= bestLen {
			continue
		}
		ok := true
		for j, w := range entry.words {
			_, core, _ := splitPunct(tokens[j])
			if strings.ToLower(core) != w {
				ok = false
				break
			}
		}
		// Interior tokens must not carry trailing punctuation, so a
		// phrase never spans a clause boundary.
		if ok {
			for j := 0; j < n-1; j++ {
				if _, _, trail := splitPunct(tokens[j]); trail != "" {
					ok = false
					break
				}
			}
		}
		if ok {
			best = idx
			bestLen = n
		}
	}
	if best < 0 {
		return phraseEntry{}, 0
	}
	return table[best], bestLen
}

// splitPunct separates leading and trailing punctuation from a token.
func splitPunct(token string) (lead, core, trail string) {
	runes := []rune(token)
	start, end := 0, len(runes)
	for start < end && !isWordRune(runes[start]) {
		start++
	}
	for end > start && !isWordRune(runes[end-1]) {
		end--
	}
	return string(runes[:start]), string(runes[start:end]), string(runes[end:])
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-'
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
