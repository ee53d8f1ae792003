package text

import "strings"

// ChunkOptions bounds segment sizes. Zero values fall back to the defaults
// used by the job admission path.
type ChunkOptions struct {
	TargetChars     int
	MaxChars        int
	MinSegmentChars int
}

// Chunk splits normalized text into ordered segments. Paragraph breaks are
// hard boundaries. Within a paragraph, sentences are packed greedily up to
// TargetChars; a sentence that alone exceeds MaxChars is split on clause
// boundaries, then on words. Trailing segments shorter than MinSegmentChars
// are merged into their predecessor.
func Chunk(text string, opts ChunkOptions) []string {
	if opts.TargetChars <= 0 {
		opts.TargetChars = 300
	}
	if opts.MaxChars < opts.TargetChars {
		opts.MaxChars = opts.TargetChars
	}

	var segments []string
	for _, paragraph := range splitParagraphs(text) {
		segments = append(segments, chunkParagraph(paragraph, opts.TargetChars, opts.MaxChars)...)
	}
	return mergeSmallSegments(segments, opts.MinSegmentChars)
}

func chunkParagraph(paragraph string, targetChars, maxChars int) []string {
	var sentences []string
	for _, s := range SplitSentences(paragraph) {
		sentences = append(sentences, splitLongSentence(s, maxChars)...)
	}

	var chunks []string
	var current strings.Builder
	for _, s := range sentences {
		if current.Len() == 0 {
			current.WriteString(s)
			continue
		}
		candidate := current.Len() + 1 + len(s)
		if candidate <= targetChars || (candidate <= maxChars && current.Len() < targetChars) {
			current.WriteByte(' ')
			current.WriteString(s)
			continue
		}
		chunks = append(chunks, current.String())
		current.Reset()
		current.WriteString(s)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// SplitSentences splits a paragraph on terminal punctuation (., !, ?),
// keeping the terminator attached to its sentence. Empty pieces are dropped.
func SplitSentences(paragraph string) []string {
	var sentences []string
	start := 0

	runes := []rune(paragraph)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// Swallow a run of terminators ("...", "?!") as one boundary.
		j := i
		for j+1 < len(runes) && (runes[j+1] == '.' || runes[j+1] == '!' || runes[j+1] == '?') {
			j++
		}
		// Only break when followed by whitespace or end of text, so
		// decimals and abbreviations inside a word stay intact.
		if j+1 < len(runes) && runes[j+1] != ' ' {
			i = j
			continue
		}
		s := strings.TrimSpace(string(runes[start : j+1]))
		if s != "" {
			sentences = append(sentences, s)
		}
		start = j + 1
		i = j
	}
	if start < len(runes) {
		s := strings.TrimSpace(string(runes[start:]))
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// splitLongSentence breaks a sentence exceeding maxChars on clause
// boundaries (",", ";", ":") outside quotes and parentheses, falling back
// to word boundaries when no clause fits.
func splitLongSentence(sentence string, maxChars int) []string {
	if len(sentence) <= maxChars {
		return []string{sentence}
	}

	clauses := splitClauses(sentence)
	var parts []string
	var current strings.Builder
	for _, clause := range clauses {
		pieces := []string{clause}
		if len(clause) > maxChars {
			pieces = splitWords(clause, maxChars)
		}
		for _, piece := range pieces {
			if current.Len() == 0 {
				current.WriteString(piece)
				continue
			}
			if current.Len()+1+len(piece) <= maxChars {
				current.WriteByte(' ')
				current.WriteString(piece)
			} else {
				parts = append(parts, current.String())
				current.Reset()
				current.WriteString(piece)
			}
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// splitClauses cuts after , ; : while tracking quote and parenthesis depth
// so dialogue and parentheticals stay whole where possible.
func splitClauses(s string) []string {
	var clauses []string
	depth := 0
	inQuote := false
	start := 0

	for i, r := range s {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			if depth > 0 {
				depth--
			}
		case '"':
			inQuote = !inQuote
		case ',', ';', ':':
			if depth == 0 && !inQuote {
				clause := strings.TrimSpace(s[start : i+1])
				if clause != "" {
					clauses = append(clauses, clause)
				}
				start = i + 1
			}
		}
	}
	if start < len(s) {
		clause := strings.TrimSpace(s[start:])
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}
	if len(clauses) == 0 {
		return []string{s}
	}
	return clauses
}

func splitWords(s string, maxChars int) []string {
	var parts []string
	var current strings.Builder
	for _, word := range strings.Fields(s) {
		if current.Len() == 0 {
			current.WriteString(word)
			continue
		}
		if current.Len()+1+len(word) <= maxChars {
			current.WriteByte(' ')
			current.WriteString(word)
		} else {
			parts = append(parts, current.String())
			current.Reset()
			current.WriteString(word)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// mergeSmallSegments folds segments below minChars into their predecessor.
// The first segment is kept even when undersized unless a successor exists
// to absorb it.
func mergeSmallSegments(segments []string, minChars int) []string {
	if minChars <= 0 || len(segments) <= 1 {
		return segments
	}

	var merged []string
	for i := 0; i < len(segments); i++ {
		segment := strings.TrimSpace(segments[i])
		if len(segment) >= minChars {
			merged = append(merged, segment)
			continue
		}
		switch {
		case len(merged) > 0:
			merged[len(merged)-1] = strings.TrimSpace(merged[len(merged)-1] + " " + segment)
		case i+1 < len(segments):
			merged = append(merged, strings.TrimSpace(segment+" "+segments[i+1]))
			i++
		default:
			merged = append(merged, segment)
		}
	}
	return merged
}
