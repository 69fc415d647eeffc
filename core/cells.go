package core

import (
	"regexp"
	"strings"

	"pkt.systems/kernelx/schema"
)

// cellMatcher recognizes cell marker comments.
type cellMatcher struct {
	code     *regexp.Regexp
	markdown *regexp.Regexp
}

func newCellMatcher(cellMarker, markdownMarker string) *cellMatcher {
	if cellMarker == "" {
		cellMarker = schema.DefaultCellMarker
	}
	if markdownMarker == "" {
		markdownMarker = schema.DefaultMarkdownMarker
	}
	return &cellMatcher{
		code:     regexp.MustCompile(`^(` + markerPattern(cellMarker) + `|#\s*<codecell>|#\s*In\[\d*?\]|#\s*In\[ \])`),
		markdown: regexp.MustCompile(`^(` + markerPattern(markdownMarker) + `|#\s*<markdowncell>)`),
	}
}

// markerPattern quotes marker and lets any run of spaces in it match any
// whitespace.
func markerPattern(marker string) string {
	fields := strings.Fields(marker)
	for i, field := range fields {
		fields[i] = regexp.QuoteMeta(field)
	}
	return strings.Join(fields, `\s*`)
}

func (m *cellMatcher) isMarkdown(line string) bool {
	return m.markdown.MatchString(strings.TrimSpace(line))
}

func (m *cellMatcher) isCode(line string) bool {
	return m.code.MatchString(strings.TrimSpace(line)) && !m.isMarkdown(line)
}

func (m *cellMatcher) isCell(line string) bool {
	return m.isCode(line) || m.isMarkdown(line)
}

// stripFirstMarker removes a leading cell marker line from code.
func (m *cellMatcher) stripFirstMarker(code string) string {
	lines := splitLines(code)
	if len(lines) > 0 && m.isCell(lines[0]) {
		return strings.Join(lines[1:], "\n")
	}
	return code
}

// generateCells builds the cells for one submission. A markdown-marked block
// followed by code is split into a markdown cell and a code cell with a fresh
// id.
func (m *cellMatcher) generateCells(code string, file string, line int, id schema.CellID) []schema.Cell {
	lines := splitLines(code)
	if len(lines) == 0 || !m.isMarkdown(lines[0]) {
		return []schema.Cell{newCodeCell(code, file, line, id)}
	}
	firstCode := -1
	for i, text := range lines {
		if i == 0 {
			continue
		}
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		firstCode = i
		break
	}
	if firstCode < 0 {
		return []schema.Cell{newMarkdownCell(lines, file, line, id)}
	}
	return []schema.Cell{
		newMarkdownCell(lines[:firstCode], file, line, id),
		newCodeCell(strings.Join(lines[firstCode:], "\n"), file, line+firstCode, schema.CellID(newID())),
	}
}

func newCodeCell(code string, file string, line int, id schema.CellID) schema.Cell {
	return schema.Cell{
		ID:     id,
		File:   file,
		Line:   line,
		Type:   schema.CellTypeCode,
		State:  schema.CellQueued,
		Source: code,
	}
}

// newMarkdownCell drops the marker line and the comment prefix of the rest.
func newMarkdownCell(lines []string, file string, line int, id schema.CellID) schema.Cell {
	body := make([]string, 0, len(lines))
	for _, text := range lines[1:] {
		trimmed := strings.TrimLeft(text, " \t")
		trimmed = strings.TrimPrefix(trimmed, "#")
		trimmed = strings.TrimPrefix(trimmed, " ")
		body = append(body, trimmed)
	}
	return schema.Cell{
		ID:     id,
		File:   file,
		Line:   line,
		Type:   schema.CellTypeMarkdown,
		State:  schema.CellFinished,
		Source: strings.TrimRight(strings.Join(body, "\n"), "\n"),
	}
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Split(text, "\n")
}

// SourceBlock is one cell-sized chunk of a source file. Line is the zero-based
// line of its first line.
type SourceBlock struct {
	Code string
	Line int
}

// SplitSource cuts a source file into blocks at cell marker lines. Blocks with
// nothing besides their marker line and whitespace are dropped.
func (e *Executor) SplitSource(source string) []SourceBlock {
	return e.matcher.splitSource(source)
}

func (m *cellMatcher) splitSource(source string) []SourceBlock {
	lines := splitLines(source)
	var blocks []SourceBlock
	start := 0
	flush := func(end int) {
		if end <= start {
			return
		}
		code := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(m.stripFirstMarker(code)) != "" {
			blocks = append(blocks, SourceBlock{Code: strings.TrimRight(code, "\n"), Line: start})
		}
	}
	for i, line := range lines {
		if i > start && m.isCell(line) {
			flush(i)
			start = i
		}
	}
	flush(len(lines))
	return blocks
}
