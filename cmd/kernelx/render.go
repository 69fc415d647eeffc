package main

import (
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"pkt.systems/kernelx/internal/format"
	"pkt.systems/kernelx/schema"
)

// newRenderer colors markdown when w is a terminal.
func newRenderer(w io.Writer) *format.PlainRenderer {
	r := format.NewPlainRenderer()
	if f, ok := w.(*os.File); ok {
		r.Color = term.IsTerminal(int(f.Fd()))
	}
	return r
}

func renderCells(w io.Writer, r *format.PlainRenderer, cells []schema.Cell) error {
	lines := r.FormatCells(cells)
	if len(lines) == 0 {
		return nil
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}
