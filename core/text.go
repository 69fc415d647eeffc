package core

import (
	"strings"
	"unicode/utf8"
)

// formatStreamText collapses carriage returns the way a terminal would: a \r
// followed by \n becomes \n, and a bare \r discards the partial line before it.
func formatStreamText(text string) string {
	if !strings.Contains(text, "\r") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	lineStart := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\r':
			if i+1 < len(text) && text[i+1] == '\n' {
				b.WriteString(text[lineStart:i])
				b.WriteByte('\n')
				i++
				lineStart = i + 1
				continue
			}
			lineStart = i + 1
		case '\n':
			b.WriteString(text[lineStart : i+1])
			lineStart = i + 1
		}
	}
	b.WriteString(text[lineStart:])
	return b.String()
}

// trimFunc shortens output text.
type trimFunc func(string) string

func noTrim(text string) string { return text }

// tailTrimmer keeps the last limit characters of a string. A limit of zero
// disables trimming.
func tailTrimmer(limit int) trimFunc {
	if limit <= 0 {
		return noTrim
	}
	return func(text string) string {
		if len(text) <= limit {
			return text
		}
		count := utf8.RuneCountInString(text)
		if count <= limit {
			return text
		}
		skip := count - limit
		for i := range text {
			if skip == 0 {
				return text[i:]
			}
			skip--
		}
		return ""
	}
}
