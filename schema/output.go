package schema

import "maps"

// OutputType tags the Output variant. Values match nbformat output_type.
type OutputType string

const (
	// OutputExecuteResult carries the value of the last expression.
	OutputExecuteResult OutputType = "execute_result"
	// OutputStream carries stdout/stderr text.
	OutputStream OutputType = "stream"
	// OutputDisplayData carries rich display payloads.
	OutputDisplayData OutputType = "display_data"
	// OutputError carries a kernel-reported exception.
	OutputError OutputType = "error"
)

// AllOutputTypes lists every tag that clear_output(wait=true) marks pending.
var AllOutputTypes = []OutputType{OutputDisplayData, OutputError, OutputExecuteResult, OutputStream}

// MimeTextPlain is the mime bundle key that output trimming applies to.
const MimeTextPlain = "text/plain"

// MimeBundle maps mime types to payloads.
type MimeBundle map[string]any

// Output is one entry in a cell's output list. Type selects which fields apply:
//
//	execute_result: Data, Metadata, ExecutionCount
//	stream:         Name, Text
//	display_data:   Data, Metadata
//	error:          EName, EValue, Traceback
type Output struct {
	Type           OutputType     `json:"output_type"`
	Name           string         `json:"name,omitempty"`
	Text           string         `json:"text,omitempty"`
	Data           MimeBundle     `json:"data,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
	EName          string         `json:"ename,omitempty"`
	EValue         string         `json:"evalue,omitempty"`
	Traceback      []string       `json:"traceback,omitempty"`
	// DisplayID links display_data to later update_display_data messages.
	DisplayID      string         `json:"-"`
}

// Clone copies the output. Nested payload values are shared; the maps are not.
func (o Output) Clone() Output {
	out := o
	if o.Data != nil {
		out.Data = maps.Clone(o.Data)
	}
	if o.Metadata != nil {
		out.Metadata = maps.Clone(o.Metadata)
	}
	if o.ExecutionCount != nil {
		count := *o.ExecutionCount
		out.ExecutionCount = &count
	}
	if o.Traceback != nil {
		out.Traceback = append([]string(nil), o.Traceback...)
	}
	return out
}

// PlainText returns the text/plain payload when it is a string.
func (o Output) PlainText() (string, bool) {
	if o.Data == nil {
		return "", false
	}
	text, ok := o.Data[MimeTextPlain].(string)
	return text, ok
}
