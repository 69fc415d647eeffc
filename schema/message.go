package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the Jupyter header msg_type.
type MessageType string

const (
	// MsgExecuteRequest asks the kernel to run code (shell channel).
	MsgExecuteRequest MessageType = "execute_request"
	// MsgExecuteReply completes an execute_request (shell channel).
	MsgExecuteReply MessageType = "execute_reply"
	// MsgExecuteResult carries an expression value (iopub).
	MsgExecuteResult MessageType = "execute_result"
	// MsgExecuteInput echoes the code being run (iopub).
	MsgExecuteInput MessageType = "execute_input"
	// MsgStatus reports busy/idle/starting (iopub).
	MsgStatus MessageType = "status"
	// MsgStream carries stdout/stderr text (iopub).
	MsgStream MessageType = "stream"
	// MsgDisplayData carries rich output (iopub).
	MsgDisplayData MessageType = "display_data"
	// MsgUpdateDisplayData replaces an existing display (iopub).
	MsgUpdateDisplayData MessageType = "update_display_data"
	// MsgClearOutput clears the cell output (iopub).
	MsgClearOutput MessageType = "clear_output"
	// MsgError carries an exception (iopub).
	MsgError MessageType = "error"
	// MsgKernelInfoRequest probes the kernel (shell channel).
	MsgKernelInfoRequest MessageType = "kernel_info_request"
	// MsgKernelInfoReply answers kernel_info_request (shell channel).
	MsgKernelInfoReply MessageType = "kernel_info_reply"
)

// Channel names a Jupyter socket.
type Channel string

const (
	// ChannelShell carries requests and replies.
	ChannelShell Channel = "shell"
	// ChannelIOPub carries broadcast side effects.
	ChannelIOPub Channel = "iopub"
	// ChannelControl carries interrupt/shutdown requests.
	ChannelControl Channel = "control"
	// ChannelStdin carries input requests.
	ChannelStdin Channel = "stdin"
)

// ExecutionState values carried by status messages.
const (
	ExecutionStateBusy       = "busy"
	ExecutionStateIdle       = "idle"
	ExecutionStateStarting   = "starting"
	ExecutionStateRestarting = "restarting"
	ExecutionStateDead       = "dead"
)

// ProtocolVersion is the Jupyter messaging protocol version we speak.
const ProtocolVersion = "5.3"

// Header is the Jupyter message header.
type Header struct {
	MsgID    string      `json:"msg_id"`
	MsgType  MessageType `json:"msg_type"`
	Session  string      `json:"session"`
	Username string      `json:"username"`
	Version  string      `json:"version"`
	Date     string      `json:"date,omitempty"`
}

// Message is one Jupyter wire message in its JSON form.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      Channel         `json:"channel,omitempty"`
	Buffers      []any           `json:"buffers,omitempty"`
}

// Type returns the header msg_type.
func (m Message) Type() MessageType {
	return m.Header.MsgType
}

// ParentID returns the msg_id of the request this message answers.
func (m Message) ParentID() string {
	return m.ParentHeader.MsgID
}

// DecodeContent unmarshals the content into dst.
func (m Message) DecodeContent(dst any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%w: %s has no content", ErrInvalidMessage, m.Header.MsgType)
	}
	if err := json.Unmarshal(m.Content, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.Header.MsgType, err)
	}
	return nil
}

// NewMessage builds a message with a fresh header. The caller supplies the id.
func NewMessage(msgID string, msgType MessageType, session string, username string, channel Channel, content any) (Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Header: Header{
			MsgID:    msgID,
			MsgType:  msgType,
			Session:  session,
			Username: username,
			Version:  ProtocolVersion,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
		},
		Metadata: map[string]any{},
		Content:  raw,
		Channel:  channel,
	}, nil
}

// ExecuteRequestContent is the content of execute_request.
type ExecuteRequestContent struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// ExecuteReplyContent is the content of execute_reply.
type ExecuteReplyContent struct {
	Status         string   `json:"status"`
	ExecutionCount *int     `json:"execution_count,omitempty"`
	EName          string   `json:"ename,omitempty"`
	EValue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

// ExecuteResultContent is the content of execute_result.
type ExecuteResultContent struct {
	Data           MimeBundle     `json:"data"`
	Metadata       map[string]any `json:"metadata"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
}

// ExecuteInputContent is the content of execute_input.
type ExecuteInputContent struct {
	Code           string `json:"code"`
	ExecutionCount *int   `json:"execution_count,omitempty"`
}

// StatusContent is the content of status.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// StreamContent is the content of stream. Text may arrive as a string or a
// list of strings.
type StreamContent struct {
	Name string          `json:"name"`
	Text json.RawMessage `json:"text"`
}

// DisplayDataContent is the content of display_data and update_display_data.
type DisplayDataContent struct {
	Data      MimeBundle     `json:"data"`
	Metadata  map[string]any `json:"metadata"`
	Transient map[string]any `json:"transient,omitempty"`
}

// ClearOutputContent is the content of clear_output.
type ClearOutputContent struct {
	Wait bool `json:"wait"`
}

// ErrorContent is the content of error.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// executionCountProbe extracts execution_count from any content.
type executionCountProbe struct {
	ExecutionCount *int `json:"execution_count"`
}

// ExecutionCount returns the execution_count carried by the content, if any.
func (m Message) ExecutionCount() (int, bool) {
	if len(m.Content) == 0 {
		return 0, false
	}
	var probe executionCountProbe
	if err := json.Unmarshal(m.Content, &probe); err != nil || probe.ExecutionCount == nil {
		return 0, false
	}
	return *probe.ExecutionCount, true
}
