// Package registry maps each student to their single conversation and serves
// the admin list view.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"coursechat/internal/cache"
	"coursechat/internal/logging"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

const summaryKeyPrefix = "coursechat:summaries:"

// Registry implements interfaces.ConversationRegistry.
// ARCHITECTURAL DISCOVERY: conversations never change identity once created,
// so they are cached in memory; summaries change on every write and are
// cached with a generation key instead.
type Registry struct {
	store interfaces.DatabaseManager
	cache cache.Cache
	ttl   time.Duration

	mu        sync.RWMutex
	byStudent map[string]*types.Conversation
	byID      map[string]*types.Conversation

	students   *keyedMutex
	generation atomic.Uint64
	logger     *log.Logger
}

// New creates a registry. A nil cache disables list caching.
func New(store interfaces.DatabaseManager, c cache.Cache, ttl time.Duration) *Registry {
	r := &Registry{
		store:     store,
		cache:     c,
		ttl:       ttl,
		byStudent: make(map[string]*types.Conversation),
		byID:      make(map[string]*types.Conversation),
		students:  newKeyedMutex(),
		logger:    logging.For("registry"),
	}
	// A shared cache may still hold keys from an earlier process.
	r.generation.Store(uint64(time.Now().UnixNano()))
	return r
}

var _ interfaces.ConversationRegistry = (*Registry)(nil)

func (r *Registry) remember(conv *types.Conversation) {
	r.mu.Lock()
	r.byStudent[conv.StudentID] = conv
	r.byID[conv.ID] = conv
	r.mu.Unlock()
}

// GetOrCreate returns the student's conversation, creating it on first use.
// Calls for the same student are serialized here and again by the store's
// unique constraint, so concurrent first calls agree on one conversation.
func (r *Registry) GetOrCreate(ctx context.Context, student types.Identity) (*types.Conversation, error) {
	if err := student.Validate(); err != nil {
		return nil, err
	}
	if student.Role != types.RoleStudent {
		return nil, ErrNotStudent
	}

	r.mu.RLock()
	known, ok := r.byStudent[student.ID]
	r.mu.RUnlock()
	if ok && profileCurrent(known, student) {
		return known, nil
	}

	unlock := r.students.Lock(student.ID)
	defer unlock()

	r.mu.RLock()
	known, ok = r.byStudent[student.ID]
	r.mu.RUnlock()
	if ok && profileCurrent(known, student) {
		return known, nil
	}

	conv, err := r.store.EnsureConversation(ctx, student)
	if err != nil {
		return nil, errors.Wrapf(err, "ensure conversation for student %s", student.ID)
	}
	r.remember(conv)
	r.invalidate(ctx)

	if !ok {
		r.logger.Debugf("conversation ready: student=%s conversation=%s", student.ID, conv.ID)
	}
	return conv, nil
}

// profileCurrent reports whether the cached conversation already carries the
// caller's name and email, or the caller supplied none.
func profileCurrent(conv *types.Conversation, student types.Identity) bool {
	return (student.Name == "" || student.Name == conv.StudentName) &&
		(student.Email == "" || student.Email == conv.StudentEmail)
}

// Get retrieves a conversation by id.
func (r *Registry) Get(ctx context.Context, conversationID string) (*types.Conversation, error) {
	r.mu.RLock()
	conv, ok := r.byID[conversationID]
	r.mu.RUnlock()
	if ok {
		return conv, nil
	}

	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	r.remember(conv)
	return conv, nil
}

// ListForAdmin returns summaries ordered by latest activity. The unfiltered
// list is served from cache until the next write.
func (r *Registry) ListForAdmin(ctx context.Context, search string) ([]*types.ConversationSummary, error) {
	if search != "" || r.cache == nil {
		return r.store.ListSummaries(ctx, search)
	}

	key := r.summaryKey(r.generation.Load())
	if raw, err := r.cache.Get(ctx, key); err == nil {
		var summaries []*types.ConversationSummary
		if err := json.Unmarshal([]byte(raw), &summaries); err == nil {
			return summaries, nil
		}
		r.logger.Warnf("discarding undecodable summary cache entry %s", key)
	} else if !errors.Is(err, cache.ErrMiss) {
		r.logger.Warnf("summary cache read failed: %v", err)
	}

	summaries, err := r.store.ListSummaries(ctx, "")
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(summaries); err == nil {
		if err := r.cache.Set(ctx, key, string(raw), r.ttl); err != nil {
			r.logger.Warnf("summary cache write failed: %v", err)
		}
	}
	return summaries, nil
}

// Summary returns one conversation's current summary row.
func (r *Registry) Summary(ctx context.Context, conversationID string) (*types.ConversationSummary, error) {
	return r.store.GetSummary(ctx, conversationID)
}

// Append stores a message from sender and returns it with the refreshed summary.
// Students may only write to their own conversation; admins to any.
func (r *Registry) Append(ctx context.Context, conversationID string, sender types.Identity, body, clientRef string) (*types.Message, *types.ConversationSummary, error) {
	if err := sender.Validate(); err != nil {
		return nil, nil, err
	}

	conv, err := r.Get(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if sender.Role == types.RoleStudent && conv.StudentID != sender.ID {
		return nil, nil, ErrNotParticipant
	}

	msg, err := r.store.Append(ctx, conversationID, sender.ID, sender.Role, body, clientRef)
	if err != nil {
		return nil, nil, err
	}
	r.invalidate(ctx)

	summary, err := r.store.GetSummary(ctx, conversationID)
	if err != nil {
		// The message is durable; callers still get it.
		r.logger.Errorf("summary reload failed after append: conversation=%s: %v", conversationID, err)
		return msg, nil, nil
	}
	return msg, summary, nil
}

// History returns the conversation's messages oldest first.
func (r *Registry) History(ctx context.Context, conversationID string) ([]*types.Message, error) {
	if _, err := r.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	return r.store.ListByConversation(ctx, conversationID)
}

// MarkRead marks the counterpart's messages read for reader and returns how
// many changed together with the refreshed summary.
func (r *Registry) MarkRead(ctx context.Context, conversationID string, reader types.Identity) (int, *types.ConversationSummary, error) {
	if err := reader.Validate(); err != nil {
		return 0, nil, err
	}
	conv, err := r.Get(ctx, conversationID)
	if err != nil {
		return 0, nil, err
	}
	if reader.Role == types.RoleStudent && conv.StudentID != reader.ID {
		return 0, nil, ErrNotParticipant
	}

	n, err := r.store.MarkRead(ctx, conversationID, reader.Role)
	if err != nil {
		return 0, nil, err
	}
	if n > 0 {
		r.invalidate(ctx)
	}

	summary, err := r.store.GetSummary(ctx, conversationID)
	if err != nil {
		return n, nil, err
	}
	return n, summary, nil
}

func (r *Registry) summaryKey(gen uint64) string {
	return fmt.Sprintf("%s%d", summaryKeyPrefix, gen)
}

// invalidate moves readers to a fresh cache key. A reader that loaded the old
// list concurrently can only repopulate the retired key.
func (r *Registry) invalidate(ctx context.Context) {
	if r.cache == nil {
		return
	}
	old := r.generation.Add(1) - 1
	if _, err := r.cache.Del(ctx, r.summaryKey(old)); err != nil {
		r.logger.Warnf("summary cache invalidation failed: %v", err)
	}
}
