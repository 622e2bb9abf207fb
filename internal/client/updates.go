package client

import "sync"

// UpdateKind says which part of the controller state changed.
type UpdateKind string

const (
	UpdateStatus        UpdateKind = "status"
	UpdateTranscript    UpdateKind = "transcript"
	UpdateConversations UpdateKind = "conversations"
)

// Update tells the UI to re-read controller state. Updates carry no payload
// beyond what changed, so a dropped one never loses data.
type Update struct {
	Kind           UpdateKind
	Status         Status
	ConversationID string
}

// notifier fans updates into one buffered channel without ever blocking the
// read loop; when the UI falls behind, updates are dropped.
type notifier struct {
	mu     sync.Mutex
	ch     chan Update
	closed bool
}

func newNotifier(size int) *notifier {
	return &notifier{ch: make(chan Update, size)}
}

func (n *notifier) emit(u Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- u:
	default:
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.ch)
	}
}
