package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coursechat/pkg/types"
)

// fakeBroker is a scripted realtime endpoint plus whatever REST handlers a
// test mounts on it.
type fakeBroker struct {
	t        *testing.T
	server   *httptest.Server
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	// handshake is the first frame sent; nil sends nothing.
	handshake *types.Frame

	dials  atomic.Int32
	mu     sync.Mutex
	conns  []*websocket.Conn
	frames []*types.Frame
	query  []string
}

func newFakeBroker(t *testing.T) *fakeBroker {
	b := &fakeBroker{
		t:         t,
		mux:       http.NewServeMux(),
		handshake: types.NewControlFrame(types.FrameConnected),
	}
	b.mux.HandleFunc("/ws", b.serveWS)
	b.server = httptest.NewServer(b.mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBroker) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.dials.Add(1)
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.query = append(b.query, r.URL.RawQuery)
	b.mu.Unlock()

	if b.handshake != nil {
		_ = conn.WriteJSON(b.handshake)
	}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f types.Frame
			if json.Unmarshal(data, &f) == nil {
				b.mu.Lock()
				b.frames = append(b.frames, &f)
				b.mu.Unlock()
			}
		}
	}()
}

func (b *fakeBroker) latest() *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// send writes a frame on the most recent connection.
func (b *fakeBroker) send(f *types.Frame) {
	b.t.Helper()
	if err := b.latest().WriteJSON(f); err != nil {
		b.t.Fatalf("broker write: %v", err)
	}
}

// drop kills the most recent connection without a close handshake.
func (b *fakeBroker) drop() {
	_ = b.latest().UnderlyingConn().Close()
}

func (b *fakeBroker) received(ft types.FrameType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, f := range b.frames {
		if f.Type == ft {
			n++
		}
	}
	return n
}

func (b *fakeBroker) config() Config {
	return Config{
		ServerURL:        b.server.URL,
		Token:            "test-token",
		Origin:           "tab-1",
		PingInterval:     time.Second,
		ReconnectDelay:   20 * time.Millisecond,
		HandshakeTimeout: time.Second,
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
