package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursechat/pkg/types"
)

// fakeStudentAPI serves the student REST endpoints from memory.
type fakeStudentAPI struct {
	mu      sync.Mutex
	history []*types.Message
	failing bool
	sends   int
	// beforeHistory runs after the history snapshot is taken, before it is written.
	beforeHistory func()
}

func (f *fakeStudentAPI) mount(b *fakeBroker) {
	b.mux.HandleFunc("/api/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			snapshot := append([]*types.Message(nil), f.history...)
			if f.beforeHistory != nil {
				f.beforeHistory()
			}
			_ = json.NewEncoder(w).Encode(snapshot)
		case http.MethodPost:
			f.sends++
			if f.failing {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"Internal Server Error","code":500,"message":"boom"}`))
				return
			}
			var req types.SendRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			msg := &types.Message{
				ID:         fmt.Sprintf("m%d", len(f.history)+1),
				SenderID:   "s1",
				SenderRole: types.RoleStudent,
				Content:    req.Content,
				ClientRef:  req.ClientRef,
				CreatedAt:  time.Now(),
			}
			f.history = append(f.history, msg)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(msg)
		}
	})
}

func (f *fakeStudentAPI) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeStudentAPI) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func newStudent(t *testing.T) (*StudentSession, *fakeBroker, *fakeStudentAPI) {
	t.Helper()
	b := newFakeBroker(t)
	api := &fakeStudentAPI{}
	api.mount(b)

	s, err := NewStudentSession(b.config(), types.Identity{ID: "s1", Role: types.RoleStudent})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, b, api
}

func TestStudentSession_SendValidation(t *testing.T) {
	s, _, api := newStudent(t)

	_, err := s.Send(context.Background(), "   ")
	assert.True(t, types.IsValidation(err))
	assert.Empty(t, s.Transcript())
	assert.Zero(t, api.sendCount(), "invalid input never reaches the network")
}

func TestStudentSession_SendSuccessYieldsOneEntry(t *testing.T) {
	s, b, _ := newStudent(t)
	require.NoError(t, s.Open(context.Background()))

	msg, err := s.Send(context.Background(), "hello")
	require.NoError(t, err)

	// The broker echoes the same message to the sender's connection.
	b.send(types.NewMessageFrame(msg, ""))
	time.Sleep(50 * time.Millisecond)

	entries := s.Transcript()
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Content)
	assert.Equal(t, msg.ID, entries[0].ID)
	assert.False(t, entries[0].Pending)
}

func TestStudentSession_SendFailureRollsBack(t *testing.T) {
	s, _, api := newStudent(t)
	require.NoError(t, s.Open(context.Background()))
	api.setFailing(true)

	_, err := s.Send(context.Background(), "hello")
	var persistErr *PersistError
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, "hello", persistErr.Body)
	assert.NotEmpty(t, persistErr.ClientRef)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)

	assert.Empty(t, s.Transcript())
}

func TestStudentSession_OpenSyncsHistory(t *testing.T) {
	s, _, api := newStudent(t)
	api.mu.Lock()
	api.history = []*types.Message{
		{ID: "m1", Content: "before", SenderRole: types.RoleStudent},
		{ID: "m2", Content: "reply", SenderRole: types.RoleAdmin},
	}
	api.mu.Unlock()

	require.NoError(t, s.Open(context.Background()))
	entries := s.Transcript()
	require.Len(t, entries, 2)
	assert.Equal(t, "reply", entries[1].Content)
	assert.Equal(t, StatusConnected, s.Status())
}

func TestStudentSession_ResyncAfterReconnect(t *testing.T) {
	s, b, api := newStudent(t)
	require.NoError(t, s.Open(context.Background()))

	s.SetVisible(false)
	b.drop()
	eventually(t, "offline", func() bool { return s.Status() == StatusDisconnected })

	// Written while the client was away: only history can deliver it.
	api.mu.Lock()
	api.history = append(api.history, &types.Message{ID: "gap", Content: "while you were out", SenderRole: types.RoleAdmin})
	api.mu.Unlock()

	s.SetVisible(true)
	eventually(t, "gap filled", func() bool {
		entries := s.Transcript()
		return len(entries) == 1 && entries[0].ID == "gap"
	})
}

func TestStudentSession_PushDuringHistoryFetchIsKept(t *testing.T) {
	s, b, api := newStudent(t)
	api.beforeHistory = func() {
		b.send(types.NewMessageFrame(&types.Message{
			ID: "reply", ConversationID: "c1", SenderRole: types.RoleAdmin, Content: "answered", CreatedAt: time.Now(),
		}, ""))
		time.Sleep(50 * time.Millisecond)
	}

	require.NoError(t, s.Open(context.Background()))

	entries := s.Transcript()
	require.Len(t, entries, 1)
	assert.Equal(t, "reply", entries[0].ID)
}

func TestStudentSession_OpenAgainResyncsWithoutRedial(t *testing.T) {
	s, b, api := newStudent(t)
	require.NoError(t, s.Open(context.Background()))

	api.mu.Lock()
	api.history = append(api.history, &types.Message{ID: "m1", Content: "new", SenderRole: types.RoleAdmin})
	api.mu.Unlock()

	require.NoError(t, s.Open(context.Background()))
	assert.Len(t, s.Transcript(), 1)
	assert.Equal(t, int32(1), b.dials.Load())
	assert.Equal(t, StatusConnected, s.Status())
}

func TestStudentSession_UpdatesChannel(t *testing.T) {
	s, _, _ := newStudent(t)
	require.NoError(t, s.Open(context.Background()))

	seen := map[UpdateKind]bool{}
	timeout := time.After(time.Second)
	for !(seen[UpdateStatus] && seen[UpdateTranscript]) {
		select {
		case u := <-s.Updates():
			seen[u.Kind] = true
		case <-timeout:
			t.Fatalf("missing updates, saw %v", seen)
		}
	}

	require.NoError(t, s.Close())
	for range s.Updates() {
	}
}
