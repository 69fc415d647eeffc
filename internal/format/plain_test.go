package format

import (
	"reflect"
	"testing"

	"pkt.systems/kernelx/schema"
)

func TestFormatCodeCell(t *testing.T) {
	count := 2
	cell := schema.Cell{
		Type:           schema.CellTypeCode,
		File:           "/tmp/a.py",
		Line:           4,
		State:          schema.CellError,
		ExecutionCount: &count,
		Outputs: []schema.Output{
			{Type: schema.OutputStream, Name: "stdout", Text: "hello\nworld\n"},
			{Type: schema.OutputStream, Name: "stderr", Text: "warn\n"},
			{Type: schema.OutputExecuteResult, ExecutionCount: &count, Data: schema.MimeBundle{schema.MimeTextPlain: "42"}},
			{Type: schema.OutputDisplayData, Data: schema.MimeBundle{"image/png": "abc"}},
			{Type: schema.OutputError, EName: "ValueError", EValue: "bad"},
		},
	}
	got := NewPlainRenderer().FormatCell(cell)
	want := []string{
		"In [2]: /tmp/a.py:5",
		"hello",
		"world",
		"! warn",
		"Out[2]: 42",
		"<image/png>",
		"ValueError: bad",
		"[error]",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected lines:\n%q\nwant:\n%q", got, want)
	}
}

func TestFormatQueuedCellHasBlankCount(t *testing.T) {
	got := NewPlainRenderer().FormatCell(schema.Cell{Type: schema.CellTypeCode, State: schema.CellQueued})
	if len(got) != 1 || got[0] != "In [ ]:" {
		t.Fatalf("unexpected lines %q", got)
	}
}

func TestFormatErrorPrefersTraceback(t *testing.T) {
	lines := formatOutput(schema.Output{Type: schema.OutputError, EName: "E", Traceback: []string{"Traceback:", "E: x"}})
	if !reflect.DeepEqual(lines, []string{"Traceback:", "E: x"}) {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestFormatMarkdownAndMessages(t *testing.T) {
	cells := []schema.Cell{
		{Type: schema.CellTypeMarkdown, Source: "# Title\nsome **bold** text"},
		{Type: schema.CellTypeMessages, Messages: []string{"3.12.0", "", "/usr/bin/python3"}},
	}
	got := NewPlainRenderer().FormatCells(cells)
	want := []string{"| Title", "| some bold text", "3.12.0", "", "/usr/bin/python3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected lines:\n%q\nwant:\n%q", got, want)
	}
}

func TestFormatMarkdownColor(t *testing.T) {
	got := (&PlainRenderer{Color: true}).FormatCell(schema.Cell{Type: schema.CellTypeMarkdown, Source: "`x`"})
	if len(got) != 1 || got[0] != MarkdownMarker+"\x1b[36mx\x1b[0m" {
		t.Fatalf("unexpected lines %q", got)
	}
}
