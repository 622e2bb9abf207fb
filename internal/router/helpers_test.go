package router

import (
	"errors"
	"sync"
	"time"

	"coursechat/pkg/types"
)

var errBroken = errors.New("broken pipe")

// fakeConn records frames written to it and can be told to fail.
type fakeConn struct {
	mu     sync.Mutex
	userID string
	role   types.Role
	origin string
	fail   bool
	frames []*types.Frame
}

func newFakeConn(userID string, role types.Role, origin string) *fakeConn {
	return &fakeConn{userID: userID, role: role, origin: origin}
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errBroken
	}
	if frame, ok := v.(*types.Frame); ok {
		f.frames = append(f.frames, frame)
	}
	return nil
}

func (f *fakeConn) received() []*types.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Frame(nil), f.frames...)
}

func (f *fakeConn) Close() error          { return nil }
func (f *fakeConn) GetUserID() string     { return f.userID }
func (f *fakeConn) GetRole() types.Role   { return f.role }
func (f *fakeConn) GetOrigin() string     { return f.origin }
func (f *fakeConn) IsAuthenticated() bool { return f.userID != "" }
func (f *fakeConn) Touch()                {}
func (f *fakeConn) LastSeen() time.Time   { return time.Now() }

func (f *fakeConn) SetCredentials(userID string, role types.Role, origin string) error {
	f.userID, f.role, f.origin = userID, role, origin
	return nil
}

func testDelivery(studentID string, withMessage bool) *types.Delivery {
	now := time.Now()
	summary := &types.ConversationSummary{
		ConversationID: "conv-" + studentID,
		StudentID:      studentID,
		StudentName:    "Student " + studentID,
		UnreadByAdmin:  1,
		CreatedAt:      now,
	}
	d := &types.Delivery{Summary: summary}
	if withMessage {
		d.Message = &types.Message{
			ID:             "msg-1",
			ConversationID: summary.ConversationID,
			SenderID:       studentID,
			SenderRole:     types.RoleStudent,
			Content:        "hello",
			CreatedAt:      now,
		}
	}
	return d
}
