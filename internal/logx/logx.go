package logx

import (
	"context"

	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	notebookKey contextKey = iota
	cellKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithNotebook annotates the logger with the notebook id if present.
func WithNotebook(ctx context.Context, notebookID schema.NotebookID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if notebookID != "" {
		if current, ok := ctx.Value(notebookKey).(schema.NotebookID); ok && current == notebookID {
			return log
		}
		log = log.With("notebook", notebookID)
	}
	return log
}

// WithNotebookCell annotates the logger with notebook and cell identifiers.
func WithNotebookCell(ctx context.Context, notebookID schema.NotebookID, cellID schema.CellID) pslog.Logger {
	log := WithNotebook(ctx, notebookID)
	if cellID != "" {
		if current, ok := ctx.Value(cellKey).(schema.CellID); ok && current == cellID {
			return log
		}
		log = log.With("cell", cellID)
	}
	return log
}

// ContextWithNotebook stores the notebook marker on the context for log de-duplication.
func ContextWithNotebook(ctx context.Context, notebookID schema.NotebookID) context.Context {
	if ctx == nil || notebookID == "" {
		return ctx
	}
	return context.WithValue(ctx, notebookKey, notebookID)
}

// ContextWithCell stores the cell marker on the context for log de-duplication.
func ContextWithCell(ctx context.Context, cellID schema.CellID) context.Context {
	if ctx == nil || cellID == "" {
		return ctx
	}
	return context.WithValue(ctx, cellKey, cellID)
}

// ContextWithNotebookLogger attaches the logger and notebook marker to the context.
func ContextWithNotebookLogger(ctx context.Context, log pslog.Logger, notebookID schema.NotebookID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithNotebook(ctx, notebookID)
}

// ContextWithNotebookCellLogger attaches the logger and notebook/cell markers to the context.
func ContextWithNotebookCellLogger(ctx context.Context, log pslog.Logger, notebookID schema.NotebookID, cellID schema.CellID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithCell(ContextWithNotebook(ctx, notebookID), cellID)
}

// CopyContextFields copies notebook/cell markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if notebook, ok := src.Value(notebookKey).(schema.NotebookID); ok && notebook != "" {
		dst = ContextWithNotebook(dst, notebook)
	}
	if cell, ok := src.Value(cellKey).(schema.CellID); ok && cell != "" {
		dst = ContextWithCell(dst, cell)
	}
	return dst
}
