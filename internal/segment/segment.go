// Package segment splits recognizer output into sentences.
package segment

import (
	"strings"
	"unicode"
)

// Normalize collapses every whitespace run into a single space and trims the ends.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Split returns the sentences of text in order, each keeping its terminal
// punctuation. A terminator run (., !, ?, …) ends a sentence only when it is
// followed by whitespace and an upper-case letter, or by the end of the text,
// so abbreviations and decimals stay inside their sentence. Trailing text
// without a terminator becomes the last sentence.
//
// Joining the result with single spaces reproduces Normalize(text).
func Split(text string) []string {
	runes := []rune(Normalize(text))
	if len(runes) == 0 {
		return nil
	}

	var out []string
	start := 0
	i := 0
	for i < len(runes) {
		if !isTerminator(runes[i]) || i == start {
			i++
			continue
		}
		end := i
		for end < len(runes) && isTerminator(runes[end]) {
			end++
		}
		if !boundaryAt(runes, end) {
			i = end
			continue
		}
		out = append(out, strings.TrimSpace(string(runes[start:end])))
		start = end
		for start < len(runes) && unicode.IsSpace(runes[start]) {
			start++
		}
		i = start
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func boundaryAt(runes []rune, pos int) bool {
	if pos == len(runes) {
		return true
	}
	if !unicode.IsSpace(runes[pos]) {
		return false
	}
	for pos < len(runes) && unicode.IsSpace(runes[pos]) {
		pos++
	}
	return pos < len(runes) && unicode.IsUpper(runes[pos])
}
