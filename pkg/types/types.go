package types

import (
	"time"
)

// Role identifies which side of a conversation a party is on.
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// Counterpart returns the role on the other side of a conversation.
func (r Role) Counterpart() Role {
	if r == RoleAdmin {
		return RoleStudent
	}
	return RoleAdmin
}

// Identity is the caller as asserted by a verified bearer token.
// Name and Email are only meaningful for students; they feed the admin search.
type Identity struct {
	ID    string `json:"id" validate:"required,max=64"`
	Role  Role   `json:"role" validate:"chatrole"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Conversation is the single channel between one student and the staff pool.
// Created lazily on first send or first fetch, never deleted.
type Conversation struct {
	ID           string    `json:"id"`
	StudentID    string    `json:"student_id"`
	StudentName  string    `json:"student_name,omitempty"`
	StudentEmail string    `json:"student_email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is an immutable, ordered record. Only Read ever changes after persist.
// ClientRef is the correlation id generated by the sending client for optimistic reconciliation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderRole     Role      `json:"sender_role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
	ClientRef      string    `json:"client_ref,omitempty"`
	Seq            int64     `json:"seq"`
}

// ConversationSummary is the materialized list-view row for the admin console.
// Unread counters are recomputed from messages on every append and markRead.
type ConversationSummary struct {
	ConversationID  string     `json:"conversation_id"`
	StudentID       string     `json:"student_id"`
	StudentName     string     `json:"student_name,omitempty"`
	StudentEmail    string     `json:"student_email,omitempty"`
	LastMessageID   string     `json:"last_message_id,omitempty"`
	LastMessage     string     `json:"last_message,omitempty"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	UnreadByAdmin   int        `json:"unread_by_admin"`
	UnreadByStudent int        `json:"unread_by_student"`
	CreatedAt       time.Time  `json:"created_at"`
}

// UnreadFor returns the unread counter as seen by the given role.
func (s *ConversationSummary) UnreadFor(role Role) int {
	if role == RoleAdmin {
		return s.UnreadByAdmin
	}
	return s.UnreadByStudent
}

// Delivery is one unit of broker fan-out: a persisted message (optional) plus
// the conversation summary as it stands after the write that produced it.
type Delivery struct {
	Message *Message
	Summary *ConversationSummary
}

// LiveConnection describes a broker-tracked connection for stats and health output.
type LiveConnection struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	Origin   string    `json:"origin"`
	LastSeen time.Time `json:"last_seen"`
}
