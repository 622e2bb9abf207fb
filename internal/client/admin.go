package client

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"coursechat/pkg/types"
)

// AdminSession is the controller behind the staff console: the conversation
// list with unread badges plus the one conversation currently open.
type AdminSession struct {
	session *Session
	rest    *RESTClient
	updates *notifier
	self    types.Identity

	mu            sync.Mutex
	conversations map[string]*types.ConversationSummary
	activeID      string
	active        *Transcript
}

func NewAdminSession(cfg Config, self types.Identity) (*AdminSession, error) {
	a := &AdminSession{
		rest:          NewRESTClient(cfg.ServerURL, cfg.Token, cfg.HTTPClient),
		updates:       newNotifier(64),
		self:          self,
		conversations: make(map[string]*types.ConversationSummary),
	}
	session, err := newSession(cfg, hooks{
		onFrame:     a.onFrame,
		onStatus:    a.onStatus,
		onReconnect: a.onReconnect,
	})
	if err != nil {
		return nil, err
	}
	a.session = session
	return a, nil
}

// Open connects and loads the conversation list.
func (a *AdminSession) Open(ctx context.Context) error {
	if err := a.session.Open(ctx); err != nil {
		return err
	}
	return a.Refresh(ctx)
}

// Refresh reloads every summary from the server.
func (a *AdminSession) Refresh(ctx context.Context) error {
	summaries, err := a.rest.AdminList(ctx, "")
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.conversations = make(map[string]*types.ConversationSummary, len(summaries))
	for _, s := range summaries {
		a.conversations[s.ConversationID] = s
	}
	a.mu.Unlock()
	a.updates.emit(Update{Kind: UpdateConversations})
	return nil
}

// Search asks the server for matching conversations without touching local state.
func (a *AdminSession) Search(ctx context.Context, query string) ([]*types.ConversationSummary, error) {
	return a.rest.AdminList(ctx, query)
}

// Conversations returns the list ordered like the server: latest activity
// first, conversations without messages last.
func (a *AdminSession) Conversations() []types.ConversationSummary {
	a.mu.Lock()
	out := make([]types.ConversationSummary, 0, len(a.conversations))
	for _, s := range a.conversations {
		out = append(out, *s)
	}
	a.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		li, lj := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case li == nil && lj == nil:
			return out[i].CreatedAt.After(out[j].CreatedAt)
		case li == nil:
			return false
		case lj == nil:
			return true
		case !li.Equal(*lj):
			return li.After(*lj)
		default:
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
	})
	return out
}

// Conversation returns one summary as currently known.
func (a *AdminSession) Conversation(id string) (types.ConversationSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.conversations[id]
	if !ok {
		return types.ConversationSummary{}, false
	}
	return *s, true
}

// OpenConversation makes id the active conversation and loads it. The
// transcript is active before the fetch so pushes arriving meanwhile are kept
// and merged with the history. The server marks the student's messages read,
// so the local badge is cleared too.
func (a *AdminSession) OpenConversation(ctx context.Context, id string) error {
	a.mu.Lock()
	prevID, prev := a.activeID, a.active
	t := prev
	if prevID != id || t == nil {
		t = NewTranscript()
	}
	a.activeID, a.active = id, t
	a.mu.Unlock()

	msgs, err := a.rest.AdminHistory(ctx, id)
	if err != nil {
		a.mu.Lock()
		if a.active == t {
			a.activeID, a.active = prevID, prev
		}
		a.mu.Unlock()
		return err
	}
	t.Replace(msgs)

	a.mu.Lock()
	if s, ok := a.conversations[id]; ok {
		s.UnreadByAdmin = 0
	}
	a.mu.Unlock()

	a.updates.emit(Update{Kind: UpdateTranscript, ConversationID: id})
	a.updates.emit(Update{Kind: UpdateConversations})
	return nil
}

func (a *AdminSession) activeTranscript(id string) *Transcript {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeID != id {
		return nil
	}
	return a.active
}

// Transcript returns the open conversation's entries.
func (a *AdminSession) Transcript() (string, []Entry) {
	a.mu.Lock()
	id, t := a.activeID, a.active
	a.mu.Unlock()
	if t == nil {
		return "", nil
	}
	return id, t.Entries()
}

// Send replies in a conversation. When it is the open one the reply shows
// immediately and is rolled back if the persist call fails.
func (a *AdminSession) Send(ctx context.Context, conversationID, body string) (*types.Message, error) {
	content, err := types.ValidateBody(body)
	if err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, ErrNoConversation
	}

	ref := uuid.NewString()
	t := a.activeTranscript(conversationID)
	if t != nil {
		t.AddPending(ref, content, a.self.ID, types.RoleAdmin)
		a.updates.emit(Update{Kind: UpdateTranscript, ConversationID: conversationID})
	}

	msg, err := a.rest.AdminSend(ctx, conversationID, types.SendRequest{Content: content, ClientRef: ref})
	if err != nil {
		if t != nil {
			t.Remove(ref)
			a.updates.emit(Update{Kind: UpdateTranscript, ConversationID: conversationID})
		}
		return nil, &PersistError{Body: body, ClientRef: ref, Err: err}
	}

	if t != nil {
		t.Reconcile(msg)
		a.updates.emit(Update{Kind: UpdateTranscript, ConversationID: conversationID})
	}
	return msg, nil
}

// MarkRead marks a conversation's student messages read.
func (a *AdminSession) MarkRead(ctx context.Context, conversationID string) (*ReadResult, error) {
	return a.rest.AdminMarkRead(ctx, conversationID)
}

func (a *AdminSession) onFrame(frame *types.Frame) {
	switch frame.Type {
	case types.FrameNewMessage:
		if t := a.activeTranscript(frame.ConversationID); t != nil {
			t.Reconcile(frame.Message)
			a.updates.emit(Update{Kind: UpdateTranscript, ConversationID: frame.ConversationID})
		}
	case types.FrameConversationUpdate:
		summary := *frame.Summary
		a.mu.Lock()
		a.conversations[summary.ConversationID] = &summary
		a.mu.Unlock()
		a.updates.emit(Update{Kind: UpdateConversations, ConversationID: summary.ConversationID})
	}
}

func (a *AdminSession) onStatus(st Status) {
	a.updates.emit(Update{Kind: UpdateStatus, Status: st})
}

// onReconnect does a full refresh: deltas missed while offline are not replayed.
func (a *AdminSession) onReconnect(ctx context.Context) {
	if err := a.Refresh(ctx); err != nil {
		a.session.logger.Warnf("conversation refresh after reconnect failed: %v", err)
	}

	a.mu.Lock()
	id, t := a.activeID, a.active
	a.mu.Unlock()
	if t == nil {
		return
	}
	msgs, err := a.rest.AdminHistory(ctx, id)
	if err != nil {
		a.session.logger.Warnf("history sync after reconnect failed: %v", err)
		return
	}
	t.Replace(msgs)
	a.updates.emit(Update{Kind: UpdateTranscript, ConversationID: id})
}

func (a *AdminSession) Status() Status { return a.session.Status() }

func (a *AdminSession) Updates() <-chan Update { return a.updates.ch }

func (a *AdminSession) SetVisible(visible bool) { a.session.SetVisible(visible) }

// Close stops the session permanently.
func (a *AdminSession) Close() error {
	err := a.session.Close()
	a.updates.close()
	return err
}
