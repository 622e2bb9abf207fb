package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// MessageStore is the durable, ordered record of messages and the source of
// truth for read state. Every Append and MarkRead also refreshes the
// conversation summary row in the same transaction.
type MessageStore interface {
	// Append persists a message with a server-assigned id and timestamp.
	// Timestamps never go backwards within one conversation.
	Append(ctx context.Context, conversationID, senderID string, senderRole types.Role, body, clientRef string) (*types.Message, error)

	// ListByConversation returns messages ascending by created-at, ties by insertion sequence.
	ListByConversation(ctx context.Context, conversationID string) ([]*types.Message, error)

	// MarkRead flips the read flag on unread messages written by the other role.
	MarkRead(ctx context.Context, conversationID string, readerRole types.Role) (int, error)
}

// ConversationStore persists conversations and their summary rows.
type ConversationStore interface {
	// EnsureConversation inserts the student's conversation unless one exists and returns it.
	EnsureConversation(ctx context.Context, student types.Identity) (*types.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error)
	GetConversationByStudent(ctx context.Context, studentID string) (*types.Conversation, error)
	GetSummary(ctx context.Context, conversationID string) (*types.ConversationSummary, error)
	ListSummaries(ctx context.Context, search string) ([]*types.ConversationSummary, error)
}

// DatabaseManager is the full persistence surface.
type DatabaseManager interface {
	MessageStore
	ConversationStore

	// HealthCheck verifies database connectivity and basic operations.
	HealthCheck(ctx context.Context) error

	// Close waits for pending writes and releases the database.
	Close() error
}
