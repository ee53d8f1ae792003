package text

import "testing"

func TestSpellAcronyms(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"NASA launched today.", "N A S A launched today."},
		{`"HTTP," she said.`, `"H T T P," she said.`},
		{"I am here.", "I am here."},
		{"The API and the CLI.", "The A P I and the C L I."},
		{"Mixed CaSe stays.", "Mixed CaSe stays."},
	}
	for _, tt := range tests {
		if got := SpellAcronyms(tt.in); got != tt.want {
			t.Errorf("SpellAcronyms(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatNumbers(t *testing.T) {
	tests := []struct {
		in   string
		mode string
		want string
	}{
		{"Chapter 3 begins.", "ordinal", "Chapter 3rd begins."},
		{"He came in 21 and 22.", "ordinal", "He came in 21st and 22nd."},
		{"Rank 11 through 13.", "ordinal", "Rank 11th through 13th."},
		{"In 1984 it rained.", "year", "In 19 84 it rained."},
		{"The year 1900 passed.", "year", "The year 1900 passed."},
		{"Chapter 12.", "year", "Chapter 12."},
		{"In 1984 it rained.", "cardinal", "In 1984 it rained."},
		{"Pi is 3.14 here.", "year", "Pi is 3.14 here."},
	}
	for _, tt := range tests {
		if got := FormatNumbers(tt.in, tt.mode); got != tt.want {
			t.Errorf("FormatNumbers(%q, %q) = %q; want %q", tt.in, tt.mode, got, tt.want)
		}
	}
}
