package kernelx

import (
	"context"

	"pkt.systems/kernelx/internal/logx"
	"pkt.systems/kernelx/schema"
)

// executionLog writes every non-silent execution to the context logger.
type executionLog struct {
	notebookID schema.NotebookID
}

func (l executionLog) PreExecute(ctx context.Context, cell schema.Cell, silent bool) error {
	if silent {
		return nil
	}
	logx.WithNotebookCell(ctx, l.notebookID, cell.ID).Info("cell execute", "file", cell.File, "line", cell.Line, "code_len", len(cell.Source))
	return nil
}

func (l executionLog) PostExecute(ctx context.Context, cell schema.Cell, silent bool) error {
	if silent {
		return nil
	}
	fields := []any{"state", cell.State, "outputs", len(cell.Outputs)}
	if cell.ExecutionCount != nil {
		fields = append(fields, "execution_count", *cell.ExecutionCount)
	}
	logx.WithNotebookCell(ctx, l.notebookID, cell.ID).Info("cell settled", fields...)
	return nil
}
