package websocket

import (
	"context"
	"sync"
	"time"

	"coursechat/pkg/types"
)

func contextPair() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// fakeConn is an in-memory interfaces.Connection.
type fakeConn struct {
	mu       sync.Mutex
	userID   string
	role     types.Role
	origin   string
	lastSeen time.Time
	closed   bool
	written  []interface{}
}

func newFakeConn(userID string, role types.Role, origin string) *fakeConn {
	return &fakeConn{userID: userID, role: role, origin: origin, lastSeen: time.Now()}
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnectionClosed
	}
	f.written = append(f.written, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) GetUserID() string     { return f.userID }
func (f *fakeConn) GetRole() types.Role   { return f.role }
func (f *fakeConn) GetOrigin() string     { return f.origin }
func (f *fakeConn) IsAuthenticated() bool { return f.userID != "" }

func (f *fakeConn) SetCredentials(userID string, role types.Role, origin string) error {
	f.userID, f.role, f.origin = userID, role, origin
	return nil
}

func (f *fakeConn) Touch() {
	f.mu.Lock()
	f.lastSeen = time.Now()
	f.mu.Unlock()
}

func (f *fakeConn) LastSeen() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen
}
