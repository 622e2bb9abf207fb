package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// ConversationRegistry maps students to their single conversation and serves
// the admin list view. All summary mutations go through Append and MarkRead.
type ConversationRegistry interface {
	GetOrCreate(ctx context.Context, student types.Identity) (*types.Conversation, error)
	Get(ctx context.Context, conversationID string) (*types.Conversation, error)
	ListForAdmin(ctx context.Context, search string) ([]*types.ConversationSummary, error)
	Summary(ctx context.Context, conversationID string) (*types.ConversationSummary, error)

	Append(ctx context.Context, conversationID string, sender types.Identity, body, clientRef string) (*types.Message, *types.ConversationSummary, error)
	History(ctx context.Context, conversationID string) ([]*types.Message, error)
	MarkRead(ctx context.Context, conversationID string, reader types.Identity) (int, *types.ConversationSummary, error)
}

// TokenVerifier is the identity collaborator: bearer token in, identity out.
type TokenVerifier interface {
	Verify(token string) (*types.Identity, error)
}
