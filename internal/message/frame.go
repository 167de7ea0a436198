package message

import (
	"errors"
	"fmt"

	"github.com/real-rm/notifier/internal/util"
)

var (
	// ErrMalformedFrame is returned when inbound bytes are not a JSON object
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownFrameType is returned when the type tag is missing or not recognised
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// FrameType is the "type" tag carried by every frame.
type FrameType string

const (
	// Inbound
	TypeHistoryFetch FrameType = "history-fetch"
	TypeSend         FrameType = "send"

	// Outbound
	TypeAck     FrameType = "ack"
	TypeHistory FrameType = "history"
	TypeMessage FrameType = "message"
	TypeError   FrameType = "error"
)

// Frame is an inbound frame. The concrete type is one of *HistoryFetchFrame
// or *SendFrame.
type Frame interface {
	Type() FrameType
}

// HistoryFetchFrame asks for the conversation between two participants.
type HistoryFetchFrame struct {
	User1 string `json:"user1"`
	User2 string `json:"user2"`
}

// Type implements Frame
func (*HistoryFetchFrame) Type() FrameType { return TypeHistoryFetch }

// SendFrame submits a new message.
type SendFrame struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	Payload   string `json:"payload"`
}

// Type implements Frame
func (*SendFrame) Type() FrameType { return TypeSend }

type envelope struct {
	Type FrameType `json:"type"`
}

// ParseFrame decodes an inbound frame by its type tag.
func ParseFrame(data []byte) (Frame, error) {
	var env envelope
	if err := util.UnmarshalJSON(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var frame Frame
	switch env.Type {
	case TypeHistoryFetch:
		frame = &HistoryFetchFrame{}
	case TypeSend:
		frame = &SendFrame{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, env.Type)
	}

	if err := util.UnmarshalJSON(data, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}

// AckFrame confirms an authenticated connection.
type AckFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

// NewAckFrame builds the acknowledgement sent after a successful connect.
func NewAckFrame(user string) *AckFrame {
	return &AckFrame{
		Type:    TypeAck,
		Message: fmt.Sprintf("Successfully connected as %s.", user),
	}
}

// HistoryFrame carries a conversation ordered oldest-first.
type HistoryFrame struct {
	Type     FrameType  `json:"type"`
	Messages []*Message `json:"messages"`
}

// NewHistoryFrame builds a history frame. A nil slice encodes as [].
func NewHistoryFrame(messages []*Message) *HistoryFrame {
	if messages == nil {
		messages = []*Message{}
	}
	return &HistoryFrame{Type: TypeHistory, Messages: messages}
}

// MessageFrame is a canonical message flattened next to its type tag.
type MessageFrame struct {
	Type FrameType `json:"type"`
	*Message
}

// NewMessageFrame wraps m for broadcast.
func NewMessageFrame(m *Message) *MessageFrame {
	return &MessageFrame{Type: TypeMessage, Message: m}
}

// ErrorFrame reports a rejected frame or a failed operation.
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(code, msg string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Message: msg, Code: code}
}
