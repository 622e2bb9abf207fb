package integration

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coursechat/internal/app"
	"coursechat/internal/auth"
	"coursechat/internal/client"
	"coursechat/internal/config"
	"coursechat/pkg/types"
)

const waitFor = 3 * time.Second

// stack is a running server plus what tests need to talk to it.
type stack struct {
	t      *testing.T
	app    *app.Application
	base   string
	issuer *auth.Issuer
}

func startStack(t *testing.T, mutate func(*config.Config)) *stack {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "chat.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.WebSocket.PingInterval = 200 * time.Millisecond
	cfg.WebSocket.ReadTimeout = time.Second
	cfg.Log.Level = "off"
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, application.StartOn(context.Background(), ln))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	return &stack{
		t:      t,
		app:    application,
		base:   "http://" + application.GetAddr(),
		issuer: auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Hour),
	}
}

func (s *stack) token(id types.Identity) string {
	s.t.Helper()
	token, err := s.issuer.Issue(id)
	require.NoError(s.t, err)
	return token
}

func (s *stack) clientConfig(id types.Identity) client.Config {
	return client.Config{
		ServerURL:      s.base,
		Token:          s.token(id),
		PingInterval:   time.Second,
		ReconnectDelay: 50 * time.Millisecond,
	}
}

func (s *stack) rest(id types.Identity) *client.RESTClient {
	return client.NewRESTClient(s.base, s.token(id), nil)
}

func (s *stack) student(id types.Identity) *client.StudentSession {
	s.t.Helper()
	session, err := client.NewStudentSession(s.clientConfig(id), id)
	require.NoError(s.t, err)
	require.NoError(s.t, session.Open(context.Background()))
	s.t.Cleanup(func() { _ = session.Close() })
	return session
}

func (s *stack) admin(id types.Identity) *client.AdminSession {
	s.t.Helper()
	session, err := client.NewAdminSession(s.clientConfig(id), id)
	require.NoError(s.t, err)
	require.NoError(s.t, session.Open(context.Background()))
	s.t.Cleanup(func() { _ = session.Close() })
	return session
}

func studentIdentity(id, name string) types.Identity {
	return types.Identity{ID: id, Role: types.RoleStudent, Name: name, Email: id + "@school.example"}
}

func adminIdentity(id string) types.Identity {
	return types.Identity{ID: id, Role: types.RoleAdmin}
}

func ids(entries []client.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func contents(entries []client.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Content)
	}
	return out
}

// onlyConversation waits until the admin knows exactly one conversation.
func onlyConversation(t *testing.T, a *client.AdminSession) types.ConversationSummary {
	t.Helper()
	require.Eventually(t, func() bool { return len(a.Conversations()) == 1 }, waitFor, 10*time.Millisecond)
	return a.Conversations()[0]
}
