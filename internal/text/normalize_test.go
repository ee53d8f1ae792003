package text

import (
	"errors"
	"testing"
)

func TestNormalizeFoldsTypography(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"smart single quotes", "It’s ‘here’", `It's 'here'`},
		{"smart double quotes", "“Hello” she said", `"Hello" she said`},
		{"ellipsis", "Wait…", "Wait..."},
		{"em dash", "a—b", "a - b"},
		{"en dash", "1–2", "1 - 2"},
		{"whitespace collapse", "a   b\t c", "a b c"},
		{"crlf", "a\r\nb", "a b"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			if err != nil {
				t.Fatalf("Normalize(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Normalize(%q) = %q; want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizePreservesParagraphBreaks(t *testing.T) {
	got, err := Normalize("first paragraph\n\nsecond  paragraph\n \nthird")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := "first paragraph\n\nsecond paragraph\n\nthird"
	if got != want {
		t.Errorf("Normalize = %q; want %q", got, want)
	}
}

func TestNormalizeDropsWhitespaceOnlyParagraphs(t *testing.T) {
	got, err := Normalize("a\n\n   \n\nb")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "a\n\nb" {
		t.Errorf("Normalize = %q; want %q", got, "a\n\nb")
	}
}

func TestNormalizeRejectsEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\n\t"} {
		if _, err := Normalize(in); !errors.Is(err, ErrEmptyText) {
			t.Errorf("Normalize(%q): expected ErrEmptyText, got %v", in, err)
		}
	}
}

func TestNormalizeSegmentIsPure(t *testing.T) {
	in := "“Gojo”  meets — Sukuna…"
	first := NormalizeSegment(in)
	second := NormalizeSegment(in)
	if first != second {
		t.Errorf("NormalizeSegment not deterministic: %q vs %q", first, second)
	}
	// Idempotent: normalizing an already-normalized segment is a no-op.
	if again := NormalizeSegment(first); again != first {
		t.Errorf("NormalizeSegment not idempotent: %q vs %q", again, first)
	}
}
