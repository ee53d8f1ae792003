package text

import (
	"strconv"
	"strings"
	"unicode"
)

// SpellAcronyms splits all-caps runs of two or more letters into spaced
// single letters so the engine spells them out ("NASA" -> "N A S A").
// Surrounding punctuation is kept in place. Input is assumed to be
// whitespace-normalized, so rejoining on single spaces is lossless.
func SpellAcronyms(s string) string {
	fields := strings.Fields(s)
	for i, field := range fields {
		lead, core, trail := trimNonLetters(field)
		if !isAcronym(core) {
			continue
		}
		letters := make([]string, 0, len(core))
		for _, r := range core {
			letters = append(letters, string(r))
		}
		fields[i] = lead + strings.Join(letters, " ") + trail
	}
	return strings.Join(fields, " ")
}

// FormatNumbers rewrites standalone integers for the requested reading
// style. "ordinal" appends the English ordinal suffix; "year" splits
// four-digit years into two pairs ("1984" -> "19 84") so they read as
// years rather than cardinals. Anything else passes through unchanged.
func FormatNumbers(s, mode string) string {
	if mode != "ordinal" && mode != "year" {
		return s
	}
	fields := strings.Fields(s)
	for i, field := range fields {
		lead, core, trail := trimNonDigits(field)
		n, err := strconv.Atoi(core)
		if err != nil {
			continue
		}
		switch mode {
		case "ordinal":
			fields[i] = lead + core + ordinalSuffix(n) + trail
		case "year":
			// Even centuries ("1900", "2000") already read naturally.
			if len(core) == 4 && n >= 1000 && n%100 != 0 {
				fields[i] = lead + core[:2] + " " + core[2:] + trail
			}
		}
	}
	return strings.Join(fields, " ")
}

func ordinalSuffix(n int) string {
	if n < 0 {
		n = -n
	}
	switch {
	case n%100 >= 11 && n%100 <= 13:
		return "th"
	case n%10 == 1:
		return "st"
	case n%10 == 2:
		return "nd"
	case n%10 == 3:
		return "rd"
	default:
		return "th"
	}
}

// isAcronym reports whether core is two or more uppercase letters.
func isAcronym(core string) bool {
	runes := []rune(core)
	if len(runes) < 2 {
		return false
	}
	for _, r := range runes {
		if !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

func trimNonLetters(s string) (lead, core, trail string) {
	return trimAround(s, unicode.IsLetter)
}

func trimNonDigits(s string) (lead, core, trail string) {
	return trimAround(s, unicode.IsDigit)
}

func trimAround(s string, keep func(rune) bool) (lead, core, trail string) {
	runes := []rune(s)
	start, end := 0, len(runes)
	for start < end && !keep(runes[start]) {
		start++
	}
	for end > start && !keep(runes[end-1]) {
		end--
	}
	return string(runes[:start]), string(runes[start:end]), string(runes[end:])
}
