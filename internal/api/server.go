// Package api is the REST surface: the persist path for both roles, history,
// read receipts, the admin conversation list and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/labstack/gommon/log"

	"coursechat/internal/auth"
	"coursechat/internal/chat"
	"coursechat/internal/logging"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

const maxBodyBytes = 64 << 10

// ChatService is the use-case layer the handlers call.
type ChatService interface {
	StudentHistory(ctx context.Context, student types.Identity) ([]*types.Message, error)
	StudentSend(ctx context.Context, student types.Identity, req types.SendRequest) (*types.Message, error)
	StudentMarkRead(ctx context.Context, student types.Identity) (*chat.ReadResult, error)
	StudentUnread(ctx context.Context, student types.Identity) (int, error)

	AdminList(ctx context.Context, admin types.Identity, search string) ([]*types.ConversationSummary, error)
	AdminHistory(ctx context.Context, admin types.Identity, conversationID string) ([]*types.Message, error)
	AdminSend(ctx context.Context, admin types.Identity, conversationID string, req types.SendRequest) (*types.Message, error)
	AdminMarkRead(ctx context.Context, admin types.Identity, conversationID string) (*chat.ReadResult, error)
}

// HealthChecker reports database health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	GetStats() map[string]int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	service  ChatService
	health   HealthChecker
	registry Registry
	verifier interfaces.TokenVerifier
	router   *mux.Router
	started  time.Time
	logger   *log.Logger
}

func NewServer(service ChatService, health HealthChecker, registry Registry, verifier interfaces.TokenVerifier) *Server {
	s := &Server{
		service:  service,
		health:   health,
		registry: registry,
		verifier: verifier,
		router:   mux.NewRouter(),
		started:  time.Now(),
		logger:   logging.For("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "No such endpoint", http.StatusNotFound)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	s.router.Handle("/health", jsonMiddleware(http.HandlerFunc(s.healthCheck))).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(jsonMiddleware, s.authMiddleware)

	student := api.PathPrefix("/chat").Subrouter()
	student.Use(s.requireRole(types.RoleStudent))
	student.HandleFunc("/messages", s.studentHistory).Methods(http.MethodGet)
	student.HandleFunc("/messages", s.studentSend).Methods(http.MethodPost)
	student.HandleFunc("/messages/read", s.studentMarkRead).Methods(http.MethodPatch)
	student.HandleFunc("/unread", s.studentUnread).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin/chat").Subrouter()
	admin.Use(s.requireRole(types.RoleAdmin))
	admin.HandleFunc("/conversations", s.adminList).Methods(http.MethodGet)
	admin.HandleFunc("/conversations/{id}/messages", s.adminHistory).Methods(http.MethodGet)
	admin.HandleFunc("/conversations/{id}/messages", s.adminSend).Methods(http.MethodPost)
	admin.HandleFunc("/conversations/{id}/read", s.adminMarkRead).Methods(http.MethodPatch)
}

// Handle mounts an extra GET endpoint such as the realtime upgrade.
func (s *Server) Handle(path string, h http.Handler) {
	s.router.Handle(path, h).Methods(http.MethodGet)
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ctxKey int

const identityKey ctxKey = 0

// IdentityFrom returns the caller attached by the auth middleware.
func IdentityFrom(ctx context.Context) (types.Identity, bool) {
	id, ok := ctx.Value(identityKey).(types.Identity)
	return id, ok
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r)
		if token == "" {
			s.writeError(w, r, ErrMissingToken)
			return
		}
		identity, err := s.verifier.Verify(token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, *identity)))
	})
}

func (s *Server) requireRole(role types.Role) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, _ := IdentityFrom(r.Context()); id.Role != role {
				s.sendError(w, fmt.Sprintf("%s role required", role), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) types.Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func decodeSend(r *http.Request) (types.SendRequest, error) {
	var req types.SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return req, ErrInvalidJSON
	}
	return req, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnf("encoding response failed: %v", err)
	}
}

// writeError maps err to a status and logs anything that is not the caller's fault.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		s.sendError(w, "Internal server error", code)
		return
	}

	resp := ErrorResponse{Error: http.StatusText(code), Code: code, Message: err.Error()}
	var vErr *types.ValidationError
	if errors.As(err, &vErr) {
		resp.Message = vErr.Error()
		resp.Fields = vErr.Fields
	}
	s.writeJSON(w, code, resp)
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func messagesOrEmpty(msgs []*types.Message) []*types.Message {
	if msgs == nil {
		return []*types.Message{}
	}
	return msgs
}

// GET /api/chat/messages
func (s *Server) studentHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.service.StudentHistory(r.Context(), caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messagesOrEmpty(msgs))
}

// POST /api/chat/messages
func (s *Server) studentSend(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSend(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.service.StudentSend(r.Context(), caller(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, msg)
}

// PATCH /api/chat/messages/read
func (s *Server) studentMarkRead(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.StudentMarkRead(r.Context(), caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// UnreadResponse is the student badge count.
type UnreadResponse struct {
	Unread int `json:"unread"`
}

// GET /api/chat/unread
func (s *Server) studentUnread(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.StudentUnread(r.Context(), caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, UnreadResponse{Unread: n})
}

// GET /api/admin/chat/conversations?search=
func (s *Server) adminList(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.service.AdminList(r.Context(), caller(r), r.URL.Query().Get("search"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []*types.ConversationSummary{}
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

// GET /api/admin/chat/conversations/{id}/messages
func (s *Server) adminHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.service.AdminHistory(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messagesOrEmpty(msgs))
}

// POST /api/admin/chat/conversations/{id}/messages
func (s *Server) adminSend(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSend(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.service.AdminSend(r.Context(), caller(r), mux.Vars(r)["id"], req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, msg)
}

// PATCH /api/admin/chat/conversations/{id}/read
func (s *Server) adminMarkRead(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.AdminMarkRead(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
	Goroutines  int            `json:"goroutines"`
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, dbStatus := "healthy", "healthy"
	if err := s.health.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.GetStats(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Goroutines:  runtime.NumGoroutine(),
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}
