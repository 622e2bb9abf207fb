package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursechat/internal/auth"
	"coursechat/internal/cache"
	"coursechat/internal/chat"
	"coursechat/internal/database"
	"coursechat/internal/registry"
	"coursechat/internal/router"
	"coursechat/internal/websocket"
	dbconfig "coursechat/pkg/database"
	"coursechat/pkg/types"
)

const testSecret = "api-test-secret-0123456789"

type testEnv struct {
	server *Server
	issuer *auth.Issuer
	store  *database.Manager
}

type nopPublisher struct{}

func (nopPublisher) Publish(*types.Delivery) error { return nil }

type failingHealth struct{}

func (failingHealth) HealthCheck(context.Context) error { return errors.New("disk gone") }

func newTestEnv(t *testing.T, perMinute int) *testEnv {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "api.db")
	store, err := database.NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(store, cache.NewMemory(), time.Minute)
	svc := chat.NewService(reg, nopPublisher{}, router.NewRateLimiter(perMinute))
	return &testEnv{
		server: NewServer(svc, store, websocket.NewRegistry(), auth.NewVerifier(testSecret, "coursechat")),
		issuer: auth.NewIssuer(testSecret, "coursechat", time.Hour),
		store:  store,
	}
}

var (
	ada   = types.Identity{ID: "s-ada", Role: types.RoleStudent, Name: "Ada Lovelace", Email: "ada@uni.edu"}
	grace = types.Identity{ID: "s-grace", Role: types.RoleStudent, Name: "Grace Hopper", Email: "grace@uni.edu"}
	staff = types.Identity{ID: "a-staff", Role: types.RoleAdmin, Name: "Staff"}
)

func (e *testEnv) do(t *testing.T, who *types.Identity, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if who != nil {
		token, err := e.issuer.Issue(*who)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServer_StudentEndpoints(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, &ada, http.MethodGet, "/api/chat/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = env.do(t, &ada, http.MethodPost, "/api/chat/messages", types.SendRequest{Content: "Hello?", ClientRef: "r-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[types.Message](t, rec)
	assert.Equal(t, "Hello?", msg.Content)
	assert.Equal(t, "r-1", msg.ClientRef)
	assert.Equal(t, ada.ID, msg.SenderID)

	rec = env.do(t, &ada, http.MethodGet, "/api/chat/messages", nil)
	msgs := decode[[]types.Message](t, rec)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)

	rec = env.do(t, &ada, http.MethodGet, "/api/chat/unread", nil)
	assert.Equal(t, UnreadResponse{Unread: 0}, decode[UnreadResponse](t, rec))

	rec = env.do(t, &ada, http.MethodPatch, "/api/chat/messages/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, chat.ReadResult{Updated: 0, Unread: 0}, decode[chat.ReadResult](t, rec))
}

func TestServer_AdminEndpoints(t *testing.T) {
	env := newTestEnv(t, 100)

	require.Equal(t, http.StatusCreated, env.do(t, &ada, http.MethodPost, "/api/chat/messages", types.SendRequest{Content: "from ada"}).Code)
	require.Equal(t, http.StatusCreated, env.do(t, &grace, http.MethodPost, "/api/chat/messages", types.SendRequest{Content: "from grace"}).Code)

	rec := env.do(t, &staff, http.MethodGet, "/api/admin/chat/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]types.ConversationSummary](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "from grace", list[0].LastMessage, "most recent activity first")
	assert.Equal(t, 1, list[0].UnreadByAdmin)

	rec = env.do(t, &staff, http.MethodGet, "/api/admin/chat/conversations?search=LOVELACE", nil)
	filtered := decode[[]types.ConversationSummary](t, rec)
	require.Len(t, filtered, 1)
	adaConv := filtered[0].ConversationID

	rec = env.do(t, &staff, http.MethodGet, "/api/admin/chat/conversations?search=nobody", nil)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = env.do(t, &staff, http.MethodGet, "/api/admin/chat/conversations/"+adaConv+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]types.Message](t, rec)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)

	rec = env.do(t, &staff, http.MethodPost, "/api/admin/chat/conversations/"+adaConv+"/messages", types.SendRequest{Content: "reply"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, types.RoleAdmin, decode[types.Message](t, rec).SenderRole)

	rec = env.do(t, &ada, http.MethodGet, "/api/chat/unread", nil)
	assert.Equal(t, 1, decode[UnreadResponse](t, rec).Unread)

	rec = env.do(t, &staff, http.MethodPatch, "/api/admin/chat/conversations/"+filtered[0].ConversationID+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[chat.ReadResult](t, rec).Unread)
}

func TestServer_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, 1)

	tests := []struct {
		name   string
		who    *types.Identity
		method string
		path   string
		body   interface{}
		code   int
	}{
		{"no token", nil, http.MethodGet, "/api/chat/messages", nil, http.StatusUnauthorized},
		{"admin on student route", &staff, http.MethodGet, "/api/chat/messages", nil, http.StatusForbidden},
		{"student on admin route", &ada, http.MethodGet, "/api/admin/chat/conversations", nil, http.StatusForbidden},
		{"empty body", &ada, http.MethodPost, "/api/chat/messages", types.SendRequest{Content: "  "}, http.StatusBadRequest},
		{"bad json", &ada, http.MethodPost, "/api/chat/messages", "{not json", http.StatusBadRequest},
		{"unknown conversation", &staff, http.MethodGet, "/api/admin/chat/conversations/nope/messages", nil, http.StatusNotFound},
		{"unknown endpoint", &ada, http.MethodGet, "/api/chat/nothing", nil, http.StatusNotFound},
		{"wrong method", nil, http.MethodPost, "/health", nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.who, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, http.StatusText(tt.code), resp.Error)
		})
	}
}

func TestServer_InvalidToken(t *testing.T) {
	env := newTestEnv(t, 100)
	req := httptest.NewRequest(http.MethodGet, "/api/chat/messages", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_ValidationFields(t *testing.T) {
	env := newTestEnv(t, 100)
	rec := env.do(t, &ada, http.MethodPost, "/api/chat/messages", types.SendRequest{Content: strings.Repeat("x", types.MaxBodyLength+1)})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "content", resp.Fields[0].Field)
	assert.Equal(t, types.ErrBodyTooLong.Error(), resp.Message)
}

func TestServer_RateLimited(t *testing.T) {
	env := newTestEnv(t, 1)
	require.Equal(t, http.StatusCreated, env.do(t, &ada, http.MethodPost, "/api/chat/messages", types.SendRequest{Content: "one"}).Code)
	rec := env.do(t, &ada, http.MethodPost, "/api/chat/messages", types.SendRequest{Content: "two"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_HealthCheck(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, nil, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 0, health.Connections["total_connections"])
	assert.Positive(t, health.Goroutines)

	unhealthy := NewServer(nil, failingHealth{}, websocket.NewRegistry(), auth.NewVerifier(testSecret, ""))
	rec = httptest.NewRecorder()
	unhealthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk gone")
}

func TestServer_HandleMountsExtraRoute(t *testing.T) {
	env := newTestEnv(t, 100)
	env.server.Handle("/ws", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
