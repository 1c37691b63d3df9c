// Package textnorm cleans tweet text before it enters the filter stages.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MinWords is the shortest tweet the pipeline keeps.
const MinWords = 2

var (
	urlPattern   = regexp.MustCompile(`https?://\S+`)
	spacePattern = regexp.MustCompile(`\s+`)

	punctuation = strings.NewReplacer(
		"“", `"`, "”", `"`, "„", `"`,
		"‘", "'", "’", "'", "‚", "'",
		"–", "-", "—", "-", "−", "-",
	)
)

// Normalize strips URLs and control characters, folds compatibility forms
// (NFKC, which also turns "…" into "..."), maps typographic quotes and dashes
// to ASCII and collapses whitespace.
func Normalize(s string) string {
	if s == "" {
		return s
	}
	s = urlPattern.ReplaceAllString(s, " ")

	t := transform.Chain(
		norm.NFKC,
		runes.Remove(runes.Predicate(func(r rune) bool {
			return !unicode.IsPrint(r) && !unicode.IsSpace(r)
		})),
	)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}

	s = punctuation.Replace(s)
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// WordCount returns the number of whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// Valid reports whether normalized text has at least MinWords words.
func Valid(s string) bool {
	return WordCount(Normalize(s)) >= MinWords
}
