package text

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrEmptyText is returned when the input text is empty or whitespace-only.
var ErrEmptyText = errors.New("text is empty")

var foldReplacer = strings.NewReplacer(
	"’", "'", // right single quote
	"‘", "'", // left single quote
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"…", "...", // ellipsis
	"—", " - ", // em dash
	"–", " - ", // en dash
)

// Normalize prepares raw input text for chunking and synthesis.
// It applies NFKC, folds smart quotes, ellipses, and dashes to ASCII,
// collapses runs of whitespace, and preserves paragraph breaks as a
// single blank line. Empty or whitespace-only input is rejected.
func Normalize(s string) (string, error) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	s = norm.NFKC.String(s)
	s = foldReplacer.Replace(s)

	var out []string
	for _, p := range splitParagraphs(s) {
		out = append(out, collapseSpaces(p))
	}
	joined := strings.Join(out, "\n\n")

	if joined == "" {
		return "", ErrEmptyText
	}
	return joined, nil
}

// NormalizeSegment normalizes a single already-chunked segment. The result
// feeds the cache fingerprint, so it must stay a pure function of its input.
func NormalizeSegment(s string) string {
	s = norm.NFKC.String(s)
	s = foldReplacer.Replace(s)
	return collapseSpaces(s)
}

var paragraphBreakRe = regexp.MustCompile(`\n[ \t]*\n+`)

// splitParagraphs splits on blank lines, dropping whitespace-only paragraphs.
func splitParagraphs(s string) []string {
	var paras []string
	for _, block := range paragraphBreakRe.Split(s, -1) {
		cleaned := strings.TrimSpace(block)
		if cleaned != "" {
			paras = append(paras, cleaned)
		}
	}
	return paras
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
