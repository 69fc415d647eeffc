package schema

import "time"

// NotebookID identifies an executor instance (one kernel session).
type NotebookID string

// CellID identifies a cell. Callers supply it per execution.
type CellID string

// CellState tracks where a cell is in its execution lifecycle.
type CellState string

const (
	// CellQueued is the initial state before the request is sent.
	CellQueued CellState = "queued"
	// CellExecuting means the request was sent to the kernel.
	CellExecuting CellState = "executing"
	// CellFinished is terminal: the kernel reported idle without an error.
	CellFinished CellState = "finished"
	// CellError is terminal: the kernel reported an error or the cell was canceled.
	CellError CellState = "error"
)

// Terminal reports whether no further transition may leave the state.
func (s CellState) Terminal() bool {
	return s == CellFinished || s == CellError
}

// CellType describes the content of a cell.
type CellType string

const (
	// CellTypeCode is executed by the kernel.
	CellTypeCode CellType = "code"
	// CellTypeMarkdown completes without a kernel round-trip.
	CellTypeMarkdown CellType = "markdown"
	// CellTypeMessages is a synthetic cell carrying plain message lines.
	CellTypeMessages CellType = "messages"
)

// Cell is one code/markdown unit and its accumulated output.
type Cell struct {
	ID             CellID    `json:"id"`
	File           string    `json:"file,omitempty"`
	Line           int       `json:"line"`
	Type           CellType  `json:"cell_type"`
	State          CellState `json:"state"`
	Source         string    `json:"source"`
	Outputs        []Output  `json:"outputs,omitempty"`
	ExecutionCount *int      `json:"execution_count,omitempty"`
	Messages       []string  `json:"messages,omitempty"`
	StartTime      time.Time `json:"start_time"`
}

// Clone returns a deep copy that shares no mutable state with c.
func (c Cell) Clone() Cell {
	out := c
	if c.Outputs != nil {
		out.Outputs = make([]Output, len(c.Outputs))
		for i, o := range c.Outputs {
			out.Outputs[i] = o.Clone()
		}
	}
	if c.ExecutionCount != nil {
		count := *c.ExecutionCount
		out.ExecutionCount = &count
	}
	if c.Messages != nil {
		out.Messages = append([]string(nil), c.Messages...)
	}
	return out
}

// CloneCells deep-copies a cell list.
func CloneCells(cells []Cell) []Cell {
	if cells == nil {
		return nil
	}
	out := make([]Cell, len(cells))
	for i, c := range cells {
		out[i] = c.Clone()
	}
	return out
}
