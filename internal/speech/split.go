package speech

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitSentences breaks text after '.', '!' or '?' when followed by
// whitespace. Blank pieces are dropped.
func SplitSentences(text string) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := i + utf8.RuneLen(r)
		if next >= len(text) {
			break
		}
		if nr, _ := utf8.DecodeRuneInString(text[next:]); unicode.IsSpace(nr) {
			add(text[start:next])
			start = next
		}
	}
	add(text[start:])
	return out
}
