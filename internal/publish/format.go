// Package publish delivers digest sections to chat channels.
package publish

import (
	"strings"
	"unicode/utf8"

	"github.com/sells-group/tweet-digest/internal/model"
)

// FormatSection renders a section as plain text, subcategories in name
// order.
func FormatSection(s model.DigestSection) string {
	var b strings.Builder
	b.WriteString(s.Category)
	b.WriteString(" digest")
	if t, err := model.ParseDateKey(s.Date); err == nil {
		b.WriteString(" (" + t.Format("2006-01-02") + ")")
	}
	b.WriteString("\n")
	for _, name := range s.SubcategoryNames() {
		b.WriteString("\n")
		b.WriteString(name)
		b.WriteString("\n")
		for _, e := range s.Subcategories[name] {
			b.WriteString("- ")
			b.WriteString(e.Content)
			if e.Attribution != "" {
				b.WriteString(" (@" + strings.TrimPrefix(e.Attribution, "@") + ")")
			}
			if e.URL != "" {
				b.WriteString(" " + e.URL)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// SplitMessage cuts text into messages of at most limit characters, breaking
// at line ends where possible.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var (
		out     []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if size > 0 {
			out = append(out, strings.TrimRight(current.String(), "\n"))
			current.Reset()
			size = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if size+n > limit {
			flush()
		}
		for n > limit {
			r := []rune(line)
			out = append(out, string(r[:limit]))
			line = string(r[limit:])
			n -= limit
		}
		current.WriteString(line)
		size += n
	}
	flush()
	return out
}
