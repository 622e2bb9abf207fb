// Package client is the session controller a UI embeds: it owns one realtime
// connection, keeps the rendered transcript consistent with the server and
// reconnects on its own while the UI is visible.
package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"

	"coursechat/internal/logging"
	"coursechat/pkg/types"
)

// Status is the connection state shown to the user as online/offline.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusClosed       Status = "closed"
)

// Config describes where and how a session connects.
type Config struct {
	// ServerURL is the http(s) base URL; the realtime URL is derived from it.
	ServerURL string
	Token     string
	// Origin names the client slot (tab or device). Empty means the server default.
	Origin string

	PingInterval     time.Duration
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration

	HTTPClient *http.Client
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = 3 * time.Second
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	return out
}

// realtimeURL turns http://host into ws://host/ws?token=…&client=….
func (c *Config) realtimeURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("token", c.Token)
	if c.Origin != "" {
		q.Set("client", c.Origin)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// hooks are how the student and admin controllers plug into a Session.
type hooks struct {
	onFrame     func(*types.Frame)
	onStatus    func(Status)
	onReconnect func(ctx context.Context)
}

// Session owns the realtime connection and its reconnection policy.
// ARCHITECTURAL DISCOVERY: one read goroutine per connection; writes (pong
// replies and the close frame) are serialized with writeMu.
type Session struct {
	cfg    Config
	url    string
	dialer *websocket.Dialer
	hooks  hooks
	logger *log.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	status  Status
	visible bool
	closed  bool
	// missed records a drop that happened while hidden; becoming visible retries.
	missed bool
	timer  *time.Timer

	writeMu sync.Mutex
}

func newSession(cfg Config, h hooks) (*Session, error) {
	cfg = cfg.withDefaults()
	u, err := cfg.realtimeURL()
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:     cfg,
		url:     u,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		hooks:   h,
		logger:  logging.For("client"),
		status:  StatusDisconnected,
		visible: true,
	}, nil
}

// Status reports the current connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st && !(s.closed && st != StatusClosed)
	if changed {
		s.status = st
	}
	s.mu.Unlock()
	if changed && s.hooks.onStatus != nil {
		s.hooks.onStatus(st)
	}
}

// Open dials the broker and waits for its connected frame. Opening a session
// that is already connected is a no-op: a second dial on the same slot would
// make the broker replace the live connection.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	closed, live := s.closed, s.conn != nil
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if live {
		return nil
	}
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	s.setStatus(StatusConnecting)

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		s.setStatus(StatusDisconnected)
		return &ConnectionError{Err: err}
	}
	if err := s.awaitHandshake(ctx, conn); err != nil {
		_ = conn.Close()
		s.setStatus(StatusDisconnected)
		return &ConnectionError{Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if s.conn != nil {
		// Another connect won the race.
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.missed = false
	s.mu.Unlock()

	s.setStatus(StatusConnected)
	go s.readLoop(conn)
	return nil
}

func (s *Session) awaitHandshake(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	// Unblock the read if ctx is canceled first. The watcher has exited by the
	// time this returns, so a later cancel cannot touch the live connection.
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-exited
	}()

	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	frame, err := types.DecodeFrame(data)
	if err != nil {
		return err
	}
	if frame.Type != types.FrameConnected {
		return ErrHandshake
	}
	return nil
}

// readLoop treats two probe intervals without any inbound frame as a dead
// connection, the same as an unexpected close.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval)); err != nil {
			s.dropped(conn, err)
			return
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.dropped(conn, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := types.DecodeFrame(data)
		if err != nil {
			s.logger.Debugf("ignoring frame: %v", err)
			continue
		}
		switch frame.Type {
		case types.FramePing:
			if err := s.write(conn, types.NewControlFrame(types.FramePong)); err != nil {
				s.dropped(conn, err)
				return
			}
		case types.FramePong, types.FrameConnected:
		default:
			if s.hooks.onFrame != nil {
				s.hooks.onFrame(frame)
			}
		}
	}
}

func (s *Session) write(conn *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// dropped handles an unexpected end of conn.
func (s *Session) dropped(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	_ = conn.Close()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.logger.Infof("connection lost: %v", cause)
	s.scheduleLocked(s.cfg.ReconnectDelay)
	s.mu.Unlock()

	s.setStatus(StatusDisconnected)
}

// scheduleLocked arms a reconnect if the UI is visible, otherwise remembers
// that one is owed.
func (s *Session) scheduleLocked(delay time.Duration) {
	if s.closed || s.timer != nil {
		return
	}
	if !s.visible {
		s.missed = true
		return
	}
	s.timer = time.AfterFunc(delay, s.reconnect)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	s.timer = nil
	if s.closed || s.conn != nil {
		s.mu.Unlock()
		return
	}
	if !s.visible {
		s.missed = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	err := s.connect(ctx)
	cancel()
	if err != nil {
		s.logger.Debugf("reconnect failed: %v", err)
		s.mu.Lock()
		s.scheduleLocked(s.cfg.ReconnectDelay)
		s.mu.Unlock()
		return
	}

	s.logger.Info("reconnected")
	if s.hooks.onReconnect != nil {
		syncCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		s.hooks.onReconnect(syncCtx)
		cancel()
	}
}

// SetVisible tells the session whether the hosting UI is in the foreground.
// Reconnects only happen while visible; a drop that happened while hidden is
// retried as soon as the UI becomes visible again.
func (s *Session) SetVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.visible = visible
	if !visible {
		if s.timer != nil && s.timer.Stop() {
			s.timer = nil
			s.missed = true
		}
		return
	}
	if s.missed && s.conn == nil {
		s.missed = false
		s.scheduleLocked(0)
	}
}

// Close ends the session for good: the connection is closed and no reconnect
// will be attempted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.conn = nil
	s.status = StatusClosed
	s.mu.Unlock()

	if s.hooks.onStatus != nil {
		s.hooks.onStatus(StatusClosed)
	}
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}
