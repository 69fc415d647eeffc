// Package format turns notebook cells into terminal lines.
package format

import (
	"fmt"
	"strings"

	"pkt.systems/kernelx/internal/markdown"
	"pkt.systems/kernelx/schema"
)

// Line markers.
const (
	MarkdownMarker = "| "
	StderrMarker   = "! "
)

// PlainRenderer formats cells as text lines.
type PlainRenderer struct {
	// Color styles markdown with ANSI escapes.
	Color bool
}

// NewPlainRenderer returns a renderer without color.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

// FormatCells converts cells into user-facing lines.
func (p *PlainRenderer) FormatCells(cells []schema.Cell) []string {
	var lines []string
	for _, cell := range cells {
		lines = append(lines, p.FormatCell(cell)...)
	}
	return lines
}

// FormatCell converts one cell into user-facing lines.
func (p *PlainRenderer) FormatCell(cell schema.Cell) []string {
	switch cell.Type {
	case schema.CellTypeMarkdown:
		source := splitLines(cell.Source)
		lines := make([]string, 0, len(source))
		for _, line := range source {
			lines = append(lines, MarkdownMarker+markdown.RenderLine(line, p.Color))
		}
		return lines
	case schema.CellTypeMessages:
		return append([]string(nil), cell.Messages...)
	}
	lines := []string{strings.TrimRight(fmt.Sprintf("In [%s]: %s", countLabel(cell.ExecutionCount), location(cell)), " ")}
	for _, out := range cell.Outputs {
		lines = append(lines, formatOutput(out)...)
	}
	if cell.State == schema.CellError {
		lines = append(lines, "[error]")
	}
	return lines
}

func formatOutput(out schema.Output) []string {
	switch out.Type {
	case schema.OutputStream:
		lines := splitLines(strings.TrimSuffix(out.Text, "\n"))
		if out.Name == "stderr" {
			return markLines(StderrMarker, lines)
		}
		return lines
	case schema.OutputExecuteResult:
		lines := splitLines(strings.TrimSuffix(bundleText(out.Data), "\n"))
		if len(lines) == 0 {
			return nil
		}
		lines[0] = "Out[" + countLabel(out.ExecutionCount) + "]: " + lines[0]
		return lines
	case schema.OutputDisplayData:
		return splitLines(strings.TrimSuffix(bundleText(out.Data), "\n"))
	case schema.OutputError:
		if len(out.Traceback) > 0 {
			return splitLines(strings.Join(out.Traceback, "\n"))
		}
		return []string{out.EName + ": " + out.EValue}
	default:
		return []string{fmt.Sprintf("%s output", out.Type)}
	}
}

// bundleText picks text/plain, or names the richest type it cannot show.
func bundleText(data schema.MimeBundle) string {
	if text, ok := data[schema.MimeTextPlain].(string); ok {
		return text
	}
	for _, mime := range []string{"image/svg+xml", "image/png", "text/html"} {
		if _, ok := data[mime]; ok {
			return "<" + mime + ">"
		}
	}
	return ""
}

func countLabel(count *int) string {
	if count == nil {
		return " "
	}
	return fmt.Sprint(*count)
}

func location(cell schema.Cell) string {
	if cell.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", cell.File, cell.Line+1)
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func markLines(marker string, lines []string) []string {
	if marker == "" || len(lines) == 0 {
		return lines
	}
	marked := make([]string, 0, len(lines))
	for _, line := range lines {
		marked = append(marked, marker+line)
	}
	return marked
}
