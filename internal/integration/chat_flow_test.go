package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursechat/internal/client"
	"coursechat/internal/config"
	"coursechat/pkg/types"
)

func TestChat_StudentAdminExchange(t *testing.T) {
	s := startStack(t, nil)
	ctx := context.Background()

	admin := s.admin(adminIdentity("ta-1"))
	student := s.student(studentIdentity("stu-1", "Ada Lovelace"))

	_, err := student.Send(ctx, "  is the lab due friday?  ")
	require.NoError(t, err)

	entries := student.Transcript()
	require.Len(t, entries, 1, "optimistic entry and persisted message collapse into one")
	assert.False(t, entries[0].Pending)
	assert.Equal(t, "is the lab due friday?", entries[0].Content)

	// Live delta reaches the admin list with preview and badge.
	summary := onlyConversation(t, admin)
	assert.Equal(t, "stu-1", summary.StudentID)
	assert.Equal(t, "Ada Lovelace", summary.StudentName)
	require.Eventually(t, func() bool {
		got, _ := admin.Conversation(summary.ConversationID)
		return got.UnreadByAdmin == 1 && got.LastMessage == "is the lab due friday?"
	}, waitFor, 10*time.Millisecond)

	// Opening the conversation clears the badge locally and on the server.
	require.NoError(t, admin.OpenConversation(ctx, summary.ConversationID))
	got, _ := admin.Conversation(summary.ConversationID)
	assert.Equal(t, 0, got.UnreadByAdmin)
	listed, err := s.rest(adminIdentity("ta-1")).AdminList(ctx, "")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 0, listed[0].UnreadByAdmin)

	// The reply renders live for the student and once for the admin.
	_, err = admin.Send(ctx, summary.ConversationID, "yes, by 5pm")
	require.NoError(t, err)
	_, adminEntries := admin.Transcript()
	assert.Equal(t, []string{"is the lab due friday?", "yes, by 5pm"}, contents(adminEntries))

	require.Eventually(t, func() bool { return len(student.Transcript()) == 2 }, waitFor, 10*time.Millisecond)
	last := student.Transcript()[1]
	assert.Equal(t, types.RoleAdmin, last.SenderRole)
	assert.Equal(t, "yes, by 5pm", last.Content)

	unread, err := student.Unread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	first, err := student.MarkRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Updated)
	again, err := student.MarkRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Updated, "markRead is idempotent")
}

func TestChat_TwoAdminsBothReceive(t *testing.T) {
	s := startStack(t, nil)
	ctx := context.Background()

	first := s.admin(adminIdentity("ta-1"))
	second := s.admin(adminIdentity("ta-2"))
	student := s.student(studentIdentity("stu-2", "Grace Hopper"))

	_, err := student.Send(ctx, "office hours today?")
	require.NoError(t, err)

	a := onlyConversation(t, first)
	b := onlyConversation(t, second)
	assert.Equal(t, a.ConversationID, b.ConversationID)

	// One admin replying is seen by the other in its open transcript.
	require.NoError(t, second.OpenConversation(ctx, a.ConversationID))
	_, err = first.Send(ctx, a.ConversationID, "3 to 4pm")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, entries := second.Transcript()
		return len(entries) == 2
	}, waitFor, 10*time.Millisecond)
}

func TestChat_TotalOrderAndStableReads(t *testing.T) {
	s := startStack(t, nil)
	ctx := context.Background()
	rest := s.rest(studentIdentity("stu-3", "Alan Turing"))

	for i := 0; i < 20; i++ {
		_, err := rest.StudentSend(ctx, types.SendRequest{Content: fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
	}

	firstRead, err := rest.StudentHistory(ctx)
	require.NoError(t, err)
	secondRead, err := rest.StudentHistory(ctx)
	require.NoError(t, err)
	require.Len(t, firstRead, 20)
	require.Equal(t, len(firstRead), len(secondRead))

	for i := range firstRead {
		assert.Equal(t, fmt.Sprintf("message %d", i), firstRead[i].Content)
		assert.Equal(t, firstRead[i].ID, secondRead[i].ID)
		if i > 0 {
			assert.Greater(t, firstRead[i].Seq, firstRead[i-1].Seq)
			assert.False(t, firstRead[i].CreatedAt.Before(firstRead[i-1].CreatedAt))
		}
	}
}

func TestChat_ConcurrentFirstContactCreatesOneConversation(t *testing.T) {
	s := startStack(t, nil)
	ctx := context.Background()
	id := studentIdentity("stu-4", "Barbara Liskov")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rest := s.rest(id)
			if i%2 == 0 {
				_, err := rest.StudentHistory(ctx)
				errs <- err
				return
			}
			_, err := rest.StudentSend(ctx, types.SendRequest{Content: fmt.Sprintf("hi %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	listed, err := s.rest(adminIdentity("ta-1")).AdminList(ctx, "")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 5, listed[0].UnreadByAdmin)

	history, err := s.rest(id).StudentHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 5)
}

func TestChat_RejectedSendRollsBack(t *testing.T) {
	s := startStack(t, func(cfg *config.Config) {
		cfg.RateLimit.MessagesPerMinute = 2
	})
	ctx := context.Background()
	student := s.student(studentIdentity("stu-5", "Edsger Dijkstra"))

	for i := 0; i < 2; i++ {
		_, err := student.Send(ctx, fmt.Sprintf("question %d", i))
		require.NoError(t, err)
	}

	_, err := student.Send(ctx, "one too many")
	var persistErr *client.PersistError
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, "one too many", persistErr.Body, "body is handed back for retry")

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)

	assert.Equal(t, []string{"question 0", "question 1"}, contents(student.Transcript()))

	history, err := s.rest(studentIdentity("stu-5", "Edsger Dijkstra")).StudentHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 2, "nothing was persisted for the rejected send")
}

func TestChat_SearchByStudentName(t *testing.T) {
	s := startStack(t, nil)
	ctx := context.Background()

	for _, id := range []types.Identity{
		studentIdentity("stu-6", "Katherine Johnson"),
		studentIdentity("stu-7", "Dorothy Vaughan"),
	} {
		_, err := s.rest(id).StudentSend(ctx, types.SendRequest{Content: "hello"})
		require.NoError(t, err)
	}

	admin := s.admin(adminIdentity("ta-1"))
	assert.Len(t, admin.Conversations(), 2)

	found, err := admin.Search(ctx, "vaughan")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "stu-7", found[0].StudentID)
}
