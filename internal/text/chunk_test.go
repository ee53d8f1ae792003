package text

import (
	"strings"
	"testing"
)

func TestChunkSingleSentence(t *testing.T) {
	got := Chunk("Gojo meets Sukuna.", ChunkOptions{TargetChars: 300, MaxChars: 500})
	if len(got) != 1 {
		t.Fatalf("Chunk = %d segments; want 1 (%v)", len(got), got)
	}
	if got[0] != "Gojo meets Sukuna." {
		t.Errorf("segment = %q", got[0])
	}
}

func TestChunkPacksSentencesUpToTarget(t *testing.T) {
	text := "One sentence here. Another sentence there. A third one follows. And a fourth."
	got := Chunk(text, ChunkOptions{TargetChars: 45, MaxChars: 60})

	for i, seg := range got {
		if len(seg) > 60 {
			t.Errorf("segment %d exceeds max: %d chars (%q)", i, len(seg), seg)
		}
	}
	if rejoined := strings.Join(got, " "); rejoined != text {
		t.Errorf("concatenation mismatch:\n got %q\nwant %q", rejoined, text)
	}
}

func TestChunkParagraphIsHardBoundary(t *testing.T) {
	got := Chunk("Short one.\n\nShort two.", ChunkOptions{TargetChars: 300, MaxChars: 500})
	if len(got) != 2 {
		t.Fatalf("Chunk = %d segments; want 2 (%v)", len(got), got)
	}
}

func TestChunkSplitsOversizedSentenceOnClauses(t *testing.T) {
	sentence := "The long corridor stretched ahead, its lanterns flickering in sequence; " +
		"nobody had walked it in years, and the dust lay thick on every stone."
	got := Chunk(sentence, ChunkOptions{TargetChars: 50, MaxChars: 60})

	if len(got) < 2 {
		t.Fatalf("expected split, got %v", got)
	}
	for i, seg := range got {
		if len(seg) > 60 {
			t.Errorf("segment %d exceeds max: %d chars (%q)", i, len(seg), seg)
		}
	}
	// Concatenation preserves the original modulo joining whitespace.
	rejoined := strings.Join(got, " ")
	if strings.Join(strings.Fields(rejoined), " ") != strings.Join(strings.Fields(sentence), " ") {
		t.Errorf("concatenation mismatch:\n got %q\nwant %q", rejoined, sentence)
	}
}

func TestChunkFallsBackToWordSplit(t *testing.T) {
	sentence := strings.Repeat("verylongword ", 20)
	got := Chunk(strings.TrimSpace(sentence)+".", ChunkOptions{TargetChars: 40, MaxChars: 50})
	for i, seg := range got {
		if len(seg) > 50 {
			t.Errorf("segment %d exceeds max: %d chars", i, len(seg))
		}
	}
}

func TestChunkKeepsQuotedClausesTogether(t *testing.T) {
	sentence := `He said "wait, not yet, please" and turned away slowly before the gate closed behind him forever.`
	got := Chunk(sentence, ChunkOptions{TargetChars: 60, MaxChars: 70})
	for _, seg := range got {
		// A split inside the quoted span would strand an unmatched quote
		// in one of the segments.
		if strings.Count(seg, `"`)%2 != 0 {
			t.Errorf("segment splits quoted span: %q", seg)
		}
	}
}

func TestChunkMergesTrailingSmallSegments(t *testing.T) {
	got := Chunk("A reasonably sized sentence that stands alone just fine here. Tiny end.",
		ChunkOptions{TargetChars: 62, MaxChars: 64, MinSegmentChars: 20})
	if len(got) != 1 {
		t.Fatalf("Chunk = %v; want single merged segment", got)
	}
}

func TestChunkKeepsUndersizedFirstSegmentWhenAlone(t *testing.T) {
	got := Chunk("Hi.", ChunkOptions{TargetChars: 300, MaxChars: 500, MinSegmentChars: 60})
	if len(got) != 1 || got[0] != "Hi." {
		t.Fatalf("Chunk = %v; want [Hi.]", got)
	}
}

func TestSplitSentencesKeepsTerminators(t *testing.T) {
	got := SplitSentences("First. Second! Third? Fourth...")
	want := []string{"First.", "Second!", "Third?", "Fourth..."}
	if len(got) != len(want) {
		t.Fatalf("SplitSentences = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d = %q; want %q", i, got[i], want[i])
		}
	}
}

func TestSplitSentencesIgnoresDecimals(t *testing.T) {
	got := SplitSentences("Pi is 3.14 roughly. Next sentence.")
	if len(got) != 2 {
		t.Fatalf("SplitSentences = %v; want 2 sentences", got)
	}
	if got[0] != "Pi is 3.14 roughly." {
		t.Errorf("sentence 0 = %q", got[0])
	}
}
