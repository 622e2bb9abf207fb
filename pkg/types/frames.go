package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType tags the realtime frame union.
type FrameType string

const (
	// Control frames
	FrameConnected FrameType = "connected"
	FramePing      FrameType = "ping"
	FramePong      FrameType = "pong"

	// Data frames
	FrameNewMessage         FrameType = "new_message"
	FrameConversationUpdate FrameType = "conversation_update"
)

// IsControl reports whether frames of this type carry no application payload.
func (t FrameType) IsControl() bool {
	switch t {
	case FrameConnected, FramePing, FramePong:
		return true
	default:
		return false
	}
}

// Frame is the single wire envelope between broker and clients.
// Which optional fields are set depends on Type.
type Frame struct {
	Type           FrameType            `json:"type"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Message        *Message             `json:"message,omitempty"`
	StudentName    string               `json:"student_name,omitempty"`
	Summary        *ConversationSummary `json:"summary,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}

// NewControlFrame builds a ping, pong or connected frame.
func NewControlFrame(t FrameType) *Frame {
	return &Frame{Type: t, Timestamp: time.Now()}
}

// NewMessageFrame builds the new_message push for a persisted message.
func NewMessageFrame(msg *Message, studentName string) *Frame {
	return &Frame{
		Type:           FrameNewMessage,
		ConversationID: msg.ConversationID,
		Message:        msg,
		StudentName:    studentName,
		Timestamp:      time.Now(),
	}
}

// NewConversationUpdateFrame builds the targeted summary delta sent to admins.
func NewConversationUpdateFrame(summary *ConversationSummary) *Frame {
	return &Frame{
		Type:           FrameConversationUpdate,
		ConversationID: summary.ConversationID,
		Summary:        summary,
		Timestamp:      time.Now(),
	}
}

// DecodeFrame parses and checks a frame read off the wire.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch f.Type {
	case FrameConnected, FramePing, FramePong:
	case FrameNewMessage:
		if f.Message == nil {
			return nil, fmt.Errorf("%w: new_message without message", ErrInvalidFrame)
		}
	case FrameConversationUpdate:
		if f.Summary == nil {
			return nil, fmt.Errorf("%w: conversation_update without summary", ErrInvalidFrame)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
	return &f, nil
}
