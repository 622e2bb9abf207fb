package client

import (
	"sort"
	"sync"
	"time"

	"coursechat/pkg/types"
)

// Entry is one rendered transcript line. Pending entries are optimistic:
// they have a ClientRef but no server id yet.
type Entry struct {
	types.Message
	Pending bool
}

// Transcript is the locally rendered message list of one conversation.
// Entries keep their local append order; every server id appears at most once.
type Transcript struct {
	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
	byRef   map[string]*Entry
	now     func() time.Time
}

func NewTranscript() *Transcript {
	return &Transcript{
		byID:  make(map[string]*Entry),
		byRef: make(map[string]*Entry),
		now:   time.Now,
	}
}

// AddPending appends an optimistic entry for a send in flight.
func (t *Transcript) AddPending(clientRef, content, senderID string, role types.Role) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := &Entry{
		Message: types.Message{
			SenderID:   senderID,
			SenderRole: role,
			Content:    content,
			ClientRef:  clientRef,
			CreatedAt:  t.now(),
		},
		Pending: true,
	}
	t.entries = append(t.entries, e)
	t.byRef[clientRef] = e
}

// Reconcile merges a server-confirmed message, whether it came back from the
// persist call or was pushed by the broker. A pending entry with the same
// ClientRef is confirmed in place; a known id is updated; anything else is
// appended. It reports whether the message was new to the transcript.
func (t *Transcript) Reconcile(msg *types.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byID[msg.ID]; ok {
		e.Message = *msg
		return false
	}
	if msg.ClientRef != "" {
		if e, ok := t.byRef[msg.ClientRef]; ok && e.Pending {
			e.Message = *msg
			e.Pending = false
			delete(t.byRef, msg.ClientRef)
			t.byID[msg.ID] = e
			return false
		}
	}

	e := &Entry{Message: *msg}
	t.entries = append(t.entries, e)
	t.byID[msg.ID] = e
	return true
}

// Remove drops a pending entry after its send failed.
func (t *Transcript) Remove(clientRef string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byRef[clientRef]
	if !ok || !e.Pending {
		return false
	}
	delete(t.byRef, clientRef)
	for i, cur := range t.entries {
		if cur == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	return true
}

// Replace merges a full history fetch. Confirmed entries the history does not
// contain yet (pushed while the fetch was in flight) are kept, and confirmed
// entries are ordered like the server orders them. Sends still in flight stay
// at the end unless the history already contains them.
func (t *Transcript) Replace(history []*types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]*Entry, 0, len(history)+len(t.entries))
	byID := make(map[string]*Entry, len(history)+len(t.byID))
	confirmed := make(map[string]bool)
	for _, msg := range history {
		if msg == nil || msg.ID == "" || byID[msg.ID] != nil {
			continue
		}
		e := &Entry{Message: *msg}
		entries = append(entries, e)
		byID[msg.ID] = e
		if msg.ClientRef != "" {
			confirmed[msg.ClientRef] = true
		}
	}
	for _, e := range t.entries {
		if e.Pending || byID[e.ID] != nil {
			continue
		}
		entries = append(entries, e)
		byID[e.ID] = e
		if e.ClientRef != "" {
			confirmed[e.ClientRef] = true
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Message, entries[j].Message
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})

	byRef := make(map[string]*Entry)
	for _, e := range t.entries {
		if !e.Pending || confirmed[e.ClientRef] {
			continue
		}
		entries = append(entries, e)
		byRef[e.ClientRef] = e
	}

	t.entries, t.byID, t.byRef = entries, byID, byRef
}

// Entries returns a copy of the transcript in render order.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// PendingCount is the number of sends still awaiting confirmation.
func (t *Transcript) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byRef)
}
