package core

import (
	"encoding/json"
	"strings"

	"pkt.systems/kernelx/schema"
)

// outputState is the per-cell reducer state: pending clear-with-wait flags
// plus the raw tail of each stream needed to normalize text across chunks.
type outputState struct {
	pendingClear map[schema.OutputType]bool
	streams      map[string]*streamAccumulator
}

func newOutputState() *outputState {
	return &outputState{
		pendingClear: make(map[schema.OutputType]bool),
		streams:      make(map[string]*streamAccumulator),
	}
}

// markAllPending defers a clear until the next output of each kind arrives.
func (s *outputState) markAllPending() {
	for _, kind := range schema.AllOutputTypes {
		s.pendingClear[kind] = true
	}
}

// takePending reports and clears the pending flag for kind.
func (s *outputState) takePending(kind schema.OutputType) bool {
	if !s.pendingClear[kind] {
		return false
	}
	delete(s.pendingClear, kind)
	return true
}

// streamAccumulator keeps the normalized text of completed lines (already
// trimmed) and the raw text of the current partial line. Normalization is
// line-local, so this is enough to produce the same result as normalizing the
// full concatenation.
type streamAccumulator struct {
	complete string
	partial  string
}

func (a *streamAccumulator) append(chunk string, trim trimFunc) string {
	raw := a.partial + chunk
	if idx := strings.LastIndexByte(raw, '\n'); idx >= 0 {
		a.complete = trim(a.complete + formatStreamText(raw[:idx+1]))
		raw = raw[idx+1:]
	}
	a.partial = compactPartial(raw)
	return trim(a.complete + formatStreamText(a.partial))
}

// compactPartial drops text that a later bare carriage return already
// overwrote. A trailing \r is kept since the next chunk may start with \n.
func compactPartial(partial string) string {
	limit := len(partial) - 1
	if limit <= 0 {
		return partial
	}
	if idx := strings.LastIndexByte(partial[:limit], '\r'); idx >= 0 {
		return partial[idx+1:]
	}
	return partial
}

// reduction describes what applying one message did to the cell.
type reduction struct {
	// Errored is set when an error message moved the cell to CellError.
	Errored bool
	// Unknown is set when the message kind is not handled.
	Unknown bool
}

// reduceMessage folds one kernel message into the cell's outputs. The caller
// is the single writer of cell for the lifetime of the request.
func reduceMessage(cell *schema.Cell, state *outputState, msg schema.Message, trim trimFunc) (reduction, error) {
	var result reduction
	if trim == nil {
		trim = noTrim
	}
	switch msg.Type() {
	case schema.MsgExecuteResult:
		var content schema.ExecuteResultContent
		if err := msg.DecodeContent(&content); err != nil {
			return result, err
		}
		data := content.Data
		if raw, ok := data[schema.MimeTextPlain]; ok {
			data[schema.MimeTextPlain] = trim(schema.ConcatMultiline(raw))
		}
		addOutput(cell, state, schema.Output{
			Type:           schema.OutputExecuteResult,
			Data:           data,
			Metadata:       content.Metadata,
			ExecutionCount: content.ExecutionCount,
		})
	case schema.MsgExecuteInput:
		var content schema.ExecuteInputContent
		if err := msg.DecodeContent(&content); err != nil {
			return result, err
		}
		if content.ExecutionCount != nil {
			count := *content.ExecutionCount
			cell.ExecutionCount = &count
		}
	case schema.MsgStatus:
		var content schema.StatusContent
		if err := msg.DecodeContent(&content); err != nil {
			return result, err
		}
		if content.ExecutionState == schema.ExecutionStateIdle && cell.State != schema.CellError {
			cell.State = schema.CellFinished
		}
	case schema.MsgStream:
		var content schema.StreamContent
		if err := msg.DecodeContent(&content); err != nil {
			return result, err
		}
		applyStream(cell, state, content.Name, decodeMultiline(content.Text), trim)
	case schema.MsgDisplayData:
		var content schema.DisplayDataContent
		if err := msg.DecodeContent(&content); err != nil {
			return result, err
		}
		addOutput(cell, state, schema.Output{
			Type:      schema.OutputDisplayData,
			Data:      content.Data,
			Metadata:  content.Metadata,
			DisplayID: displayID(content.Transient),
		})
	case schema.MsgUpdateDisplayData:
		var content schema.DisplayDataContent
		if err := msg.DecodeContent(&content); err != nil {
			return result, err
		}
		if idx := findDisplay(cell.Outputs, displayID(content.Transient)); idx >= 0 {
			cell.Outputs[idx].Data = content.Data
			cell.Outputs[idx].Metadata = content.Metadata
		}
	case schema.MsgClearOutput:
		var content schema.ClearOutputContent
		if err := msg.DecodeContent(&content); err != nil {
			return result, err
		}
		if content.Wait {
			state.markAllPending()
		} else {
			cell.Outputs = nil
			clear(state.streams)
		}
	case schema.MsgExecuteReply:
		var content schema.ExecuteReplyContent
		if err := msg.DecodeContent(&content); err != nil {
			return result, err
		}
		if content.Status == "error" || content.Status == "aborted" {
			cell.State = schema.CellError
		}
	case schema.MsgError:
		var content schema.ErrorContent
		if err := msg.DecodeContent(&content); err != nil {
			return result, err
		}
		addOutput(cell, state, schema.Output{
			Type:      schema.OutputError,
			EName:     content.EName,
			EValue:    content.EValue,
			Traceback: content.Traceback,
		})
		cell.State = schema.CellError
		result.Errored = true
	default:
		result.Unknown = true
	}
	if count, ok := msg.ExecutionCount(); ok && count > 0 {
		cell.ExecutionCount = &count
	}
	return result, nil
}

// addOutput applies the clear rule: a pending clear for the output's kind
// replaces the first output of that kind, otherwise the output is appended.
func addOutput(cell *schema.Cell, state *outputState, output schema.Output) {
	if state.takePending(output.Type) {
		for i, existing := range cell.Outputs {
			if existing.Type == output.Type {
				if output.Type == schema.OutputStream {
					delete(state.streams, existing.Name)
				}
				cell.Outputs[i] = output
				return
			}
		}
	}
	cell.Outputs = append(cell.Outputs, output)
}

func applyStream(cell *schema.Cell, state *outputState, name string, text string, trim trimFunc) {
	for i := range cell.Outputs {
		existing := &cell.Outputs[i]
		if existing.Type != schema.OutputStream || existing.Name != name {
			continue
		}
		acc := state.streams[name]
		if state.takePending(schema.OutputStream) || acc == nil {
			acc = &streamAccumulator{}
			state.streams[name] = acc
		}
		existing.Text = acc.append(text, trim)
		return
	}
	acc := &streamAccumulator{}
	output := schema.Output{
		Type: schema.OutputStream,
		Name: name,
		Text: acc.append(text, trim),
	}
	addOutput(cell, state, output)
	state.streams[name] = acc
}

func findDisplay(outputs []schema.Output, id string) int {
	first := -1
	for i, output := range outputs {
		if output.Type != schema.OutputDisplayData {
			continue
		}
		if id != "" && output.DisplayID == id {
			return i
		}
		if first < 0 {
			first = i
		}
	}
	return first
}

func displayID(transient map[string]any) string {
	if transient == nil {
		return ""
	}
	id, _ := transient["display_id"].(string)
	return id
}

func decodeMultiline(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return schema.ConcatMultiline(value)
}
