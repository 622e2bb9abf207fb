package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"

	"coursechat/internal/auth"
	"coursechat/internal/logging"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// HandlerConfig carries the liveness and buffering settings.
type HandlerConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	AllowedOrigins []string
}

// DefaultHandlerConfig pings every 30s and drops a connection silent for two intervals.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: DefaultWriteTimeout,
		BufferSize:   DefaultBufferSize,
	}
}

// Handler upgrades authenticated requests and runs each connection's read side.
// ARCHITECTURAL DISCOVERY: validation happens before the upgrade so rejected
// clients get a plain HTTP status instead of a dropped socket.
type Handler struct {
	registry *Registry
	verifier interfaces.TokenVerifier
	config   HandlerConfig
	upgrader websocket.Upgrader
	logger   *log.Logger
}

func NewHandler(registry *Registry, verifier interfaces.TokenVerifier, config HandlerConfig) *Handler {
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultHandlerConfig().PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 2 * config.PingInterval
	}

	h := &Handler{
		registry: registry,
		verifier: verifier,
		config:   config,
		logger:   logging.For("broker"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket serves GET /ws?token=<bearer>&client=<slot>.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on a websocket dial, so the token rides in the query.
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r)
	}
	if token == "" {
		http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	origin := r.URL.Query().Get("client")
	if origin == "" {
		origin = DefaultOrigin
	}
	if len(origin) > 64 {
		http.Error(w, ErrInvalidOrigin.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, h.config.BufferSize, h.config.WriteTimeout)
	_ = wsConn.SetCredentials(identity.ID, identity.Role, origin)

	if err := h.registry.RegisterConnection(wsConn); err != nil {
		h.logger.Errorf("failed to register connection: %v", err)
		_ = wsConn.Close()
		return
	}
	h.logger.Infof("connected: user=%s role=%s origin=%s", identity.ID, identity.Role, origin)

	// Sent after registration so nothing published once the client sees it can be missed.
	if err := wsConn.WriteJSON(types.NewControlFrame(types.FrameConnected)); err != nil {
		h.registry.UnregisterConnection(wsConn)
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and the ping ticker until the
// connection dies, then deregisters it.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		removed := h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		h.logger.Infof("disconnected: user=%s origin=%s deregistered=%t", conn.GetUserID(), conn.GetOrigin(), removed)
	}()

	extend := func() error {
		conn.Touch()
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	}
	if err := extend(); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error { return extend() })

	go func() {
		ticker := time.NewTicker(h.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteJSON(types.NewControlFrame(types.FramePing)); err != nil {
					_ = conn.Close()
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugf("read ended: user=%s: %v", conn.GetUserID(), err)
			}
			return
		}
		if err := extend(); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := types.DecodeFrame(data)
		if err != nil {
			h.logger.Debugf("ignoring frame from %s: %v", conn.GetUserID(), err)
			continue
		}
		switch frame.Type {
		case types.FramePing:
			if err := conn.WriteJSON(types.NewControlFrame(types.FramePong)); err != nil {
				return
			}
		case types.FramePong:
		default:
			// Messages are sent over REST; inbound data frames carry no meaning.
			h.logger.Debugf("ignoring %s frame from %s", frame.Type, conn.GetUserID())
		}
	}
}
