package main

import (
	"bytes"
	"testing"

	"pkt.systems/kernelx/schema"
)

func TestRenderCellsWritesLines(t *testing.T) {
	var out bytes.Buffer
	cells := []schema.Cell{{Type: schema.CellTypeCode, Outputs: []schema.Output{{Type: schema.OutputStream, Name: "stdout", Text: "hi\n"}}}}
	r := newRenderer(&out)
	if r.Color {
		t.Fatalf("a buffer is not a terminal")
	}
	if err := renderCells(&out, r, cells); err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.String() != "In [ ]:\nhi\n" {
		t.Fatalf("unexpected render %q", out.String())
	}
}

func TestRenderCellsEmpty(t *testing.T) {
	var out bytes.Buffer
	if err := renderCells(&out, newRenderer(&out), nil); err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output, got %q", out.String())
	}
}
