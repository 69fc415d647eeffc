package kernelwire

import (
	"github.com/google/uuid"

	"pkt.systems/kernelx/core"
	"pkt.systems/kernelx/schema"
)

// NewMessageID returns a fresh message id.
func NewMessageID() string {
	return uuid.NewString()
}

// NewSessionID returns a fresh client session id.
func NewSessionID() string {
	return uuid.NewString()
}

// NewExecuteRequest builds an execute_request for the shell channel.
func NewExecuteRequest(session, username string, req core.ExecuteRequest) (schema.Message, error) {
	return schema.NewMessage(NewMessageID(), schema.MsgExecuteRequest, session, username, schema.ChannelShell, schema.ExecuteRequestContent{
		Code:            req.Code,
		Silent:          req.Silent,
		StoreHistory:    req.StoreHistory,
		UserExpressions: map[string]any{},
		AllowStdin:      false,
		StopOnError:     false,
	})
}

// Reply builds a message answering parent. Kernel-side code uses it.
func Reply(parent schema.Message, msgType schema.MessageType, channel schema.Channel, content any) (schema.Message, error) {
	msg, err := schema.NewMessage(NewMessageID(), msgType, parent.Header.Session, parent.Header.Username, channel, content)
	if err != nil {
		return schema.Message{}, err
	}
	msg.ParentHeader = parent.Header
	return msg, nil
}
