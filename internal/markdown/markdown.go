// Package markdown renders the markdown of notebook cells for a terminal.
package markdown

import "strings"

// Span is a run of text sharing one style.
type Span struct {
	Text   string
	Bold   bool
	Italic bool
	Code   bool
}

const (
	ansiBold   = "\x1b[1m"
	ansiItalic = "\x1b[3m"
	ansiCode   = "\x1b[36m"
	ansiReset  = "\x1b[0m"
)

type inlineState struct {
	spans              []Span
	buf                strings.Builder
	bold, italic, code bool
}

func (s *inlineState) flush() {
	if s.buf.Len() == 0 {
		return
	}
	s.spans = append(s.spans, Span{Text: s.buf.String(), Bold: s.bold, Italic: s.italic, Code: s.code})
	s.buf.Reset()
}

// toggle flips a style at a marker. Opening requires a closing marker later in
// rest; otherwise the marker is literal text.
func (s *inlineState) toggle(on *bool, rest, marker string) bool {
	if !*on && !strings.Contains(rest, marker) {
		return false
	}
	s.flush()
	*on = !*on
	return true
}

// ParseInline splits a line into spans for **bold**, *italic* and `code`.
// A backslash escapes the next byte.
func ParseInline(input string) []Span {
	s := &inlineState{}
	for i := 0; i < len(input); {
		ch := input[i]
		switch {
		case ch == '\\' && i+1 < len(input):
			s.buf.WriteByte(input[i+1])
			i += 2
			continue
		case ch == '`':
			if s.toggle(&s.code, input[i+1:], "`") {
				i++
				continue
			}
		case ch == '*' && !s.code && strings.HasPrefix(input[i:], "**"):
			if !s.toggle(&s.bold, input[i+2:], "**") {
				s.buf.WriteString("**")
			}
			i += 2
			continue
		case ch == '*' && !s.code:
			if s.toggle(&s.italic, input[i+1:], "*") {
				i++
				continue
			}
		}
		s.buf.WriteByte(ch)
		i++
	}
	s.flush()
	return s.spans
}

// RenderLine renders one markdown line. Headings become bold and bullets
// become a dot. With ansi unset only the markers are removed.
func RenderLine(line string, ansi bool) string {
	trimmed := strings.TrimLeft(line, " ")
	indent := line[:len(line)-len(trimmed)]
	heading := false
	if level := strings.IndexFunc(trimmed, func(r rune) bool { return r != '#' }); level > 0 && trimmed[level] == ' ' {
		trimmed = strings.TrimSpace(trimmed[level:])
		heading = true
	} else if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
		trimmed = "• " + trimmed[2:]
	}
	var b strings.Builder
	b.WriteString(indent)
	for _, span := range ParseInline(trimmed) {
		if !ansi {
			b.WriteString(span.Text)
			continue
		}
		style := ""
		if span.Bold || heading {
			style += ansiBold
		}
		if span.Italic {
			style += ansiItalic
		}
		if span.Code {
			style += ansiCode
		}
		if style == "" {
			b.WriteString(span.Text)
			continue
		}
		b.WriteString(style + span.Text + ansiReset)
	}
	return b.String()
}
