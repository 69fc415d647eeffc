package core

import (
	"context"
	"errors"
	"io"
	"testing"

	"pkt.systems/kernelx/schema"
)

func TestCellStreamWaitsForEveryCell(t *testing.T) {
	md := newMarkdownCell([]string{"# %% [markdown]", "# hi"}, "", 0, "md")
	code := newCodeCell("print(1)", "", 1, "code")
	stream := newCellStream([]schema.Cell{md, code})

	stream.done(md)
	first := nextSnapshot(t, stream)
	if len(first) != 1 || first[0].ID != "md" {
		t.Fatalf("unexpected first snapshot %+v", first)
	}
	if isClosed(stream.Done()) {
		t.Fatalf("stream finished before code cell settled")
	}

	code.State = schema.CellExecuting
	stream.next(code)
	second := nextSnapshot(t, stream)
	if len(second) != 2 || second[0].ID != "md" || second[1].State != schema.CellExecuting {
		t.Fatalf("snapshot must keep submission order, got %+v", second)
	}

	code.State = schema.CellFinished
	stream.next(code)
	stream.done(code)
	snapshots, err := collect(t, stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("done without changes should not repeat the snapshot, got %d", len(snapshots))
	}
	if snapshots[0][1].State != schema.CellFinished {
		t.Fatalf("expected finished code cell, got %+v", snapshots[0])
	}
}

func TestCellStreamReportsFailureAfterSnapshots(t *testing.T) {
	code := newCodeCell("x", "", 0, "code")
	stream := newCellStream([]schema.Cell{code})
	crash := &schema.KernelCrashedError{ExitCode: 1, Known: true}
	code.State = schema.CellError
	stream.next(code)
	stream.fail(code.ID, crash)
	stream.done(code)

	cells, err := stream.Next(context.Background())
	if err != nil || cells[0].State != schema.CellError {
		t.Fatalf("expected error snapshot first, got %+v %v", cells, err)
	}
	if _, err := stream.Next(context.Background()); !errors.Is(err, schema.ErrKernelCrashed) {
		t.Fatalf("expected crash error, got %v", err)
	}
}

func TestCellStreamEmpty(t *testing.T) {
	stream := newCellStream(nil)
	if _, err := stream.Next(context.Background()); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}
