// Package chat holds the student and admin use cases: every successful write
// is persisted first and then handed to the broker for fan-out.
package chat

import (
	"context"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"coursechat/internal/logging"
	"coursechat/internal/router"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// ReadResult answers a mark-read call.
type ReadResult struct {
	Updated int `json:"updated"`
	Unread  int `json:"unread"`
}

// Service is what the REST layer calls. Identities come from verified tokens.
type Service struct {
	registry  interfaces.ConversationRegistry
	publisher interfaces.Publisher
	limiter   *router.RateLimiter
	logger    *log.Logger
}

// NewService wires the use cases. limiter may be nil to disable rate limiting.
func NewService(registry interfaces.ConversationRegistry, publisher interfaces.Publisher, limiter *router.RateLimiter) *Service {
	return &Service{
		registry:  registry,
		publisher: publisher,
		limiter:   limiter,
		logger:    logging.For("chat"),
	}
}

func requireRole(who types.Identity, role types.Role) error {
	if who.Role == role {
		return nil
	}
	if role == types.RoleStudent {
		return ErrStudentOnly
	}
	return ErrAdminOnly
}

// publish hands a delivery to the broker. Fan-out is best effort: the write
// already succeeded, so a failure here is only logged.
func (s *Service) publish(msg *types.Message, summary *types.ConversationSummary) {
	if s.publisher == nil || summary == nil {
		return
	}
	if err := s.publisher.Publish(&types.Delivery{Message: msg, Summary: summary}); err != nil {
		s.logger.Warnf("publish failed: conversation=%s: %v", summary.ConversationID, err)
	}
}

func (s *Service) send(ctx context.Context, sender types.Identity, conversationID string, req types.SendRequest) (*types.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.limiter != nil && !s.limiter.Allow(sender.ID) {
		return nil, errors.Wrapf(ErrRateLimited, "%d messages per minute", s.limiter.Limit())
	}

	msg, summary, err := s.registry.Append(ctx, conversationID, sender, req.Content, req.ClientRef)
	if err != nil {
		return nil, errors.Wrapf(err, "send to conversation %s", conversationID)
	}
	s.logger.Debugf("message stored: conversation=%s sender=%s role=%s", conversationID, sender.ID, sender.Role)

	s.publish(msg, summary)
	return msg, nil
}

func (s *Service) markRead(ctx context.Context, conversationID string, reader types.Identity) (*ReadResult, error) {
	n, summary, err := s.registry.MarkRead(ctx, conversationID, reader)
	if err != nil {
		return nil, errors.Wrapf(err, "mark read in conversation %s", conversationID)
	}
	if n > 0 {
		s.publish(nil, summary)
	}

	res := &ReadResult{Updated: n}
	if summary != nil {
		res.Unread = summary.UnreadFor(reader.Role)
	}
	return res, nil
}

// StudentHistory returns the caller's transcript, creating the conversation on first use.
func (s *Service) StudentHistory(ctx context.Context, student types.Identity) ([]*types.Message, error) {
	if err := requireRole(student, types.RoleStudent); err != nil {
		return nil, err
	}
	conv, err := s.registry.GetOrCreate(ctx, student)
	if err != nil {
		return nil, err
	}
	msgs, err := s.registry.History(ctx, conv.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load student history")
	}
	return msgs, nil
}

// StudentSend persists a message from the student to staff.
func (s *Service) StudentSend(ctx context.Context, student types.Identity, req types.SendRequest) (*types.Message, error) {
	if err := requireRole(student, types.RoleStudent); err != nil {
		return nil, err
	}
	conv, err := s.registry.GetOrCreate(ctx, student)
	if err != nil {
		return nil, err
	}
	return s.send(ctx, student, conv.ID, req)
}

// StudentMarkRead marks staff replies read for the student.
func (s *Service) StudentMarkRead(ctx context.Context, student types.Identity) (*ReadResult, error) {
	if err := requireRole(student, types.RoleStudent); err != nil {
		return nil, err
	}
	conv, err := s.registry.GetOrCreate(ctx, student)
	if err != nil {
		return nil, err
	}
	return s.markRead(ctx, conv.ID, student)
}

// StudentUnread counts staff replies the student has not read.
func (s *Service) StudentUnread(ctx context.Context, student types.Identity) (int, error) {
	if err := requireRole(student, types.RoleStudent); err != nil {
		return 0, err
	}
	conv, err := s.registry.GetOrCreate(ctx, student)
	if err != nil {
		return 0, err
	}
	summary, err := s.registry.Summary(ctx, conv.ID)
	if err != nil {
		return 0, errors.Wrap(err, "load unread count")
	}
	return summary.UnreadByStudent, nil
}

// AdminList returns every conversation's summary, newest activity first.
func (s *Service) AdminList(ctx context.Context, admin types.Identity, search string) ([]*types.ConversationSummary, error) {
	if err := requireRole(admin, types.RoleAdmin); err != nil {
		return nil, err
	}
	summaries, err := s.registry.ListForAdmin(ctx, search)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	return summaries, nil
}

// AdminHistory opens a conversation for staff: student messages are marked
// read before the transcript is loaded, so it reflects the new state.
func (s *Service) AdminHistory(ctx context.Context, admin types.Identity, conversationID string) ([]*types.Message, error) {
	if err := requireRole(admin, types.RoleAdmin); err != nil {
		return nil, err
	}
	if _, err := s.registry.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	if _, err := s.markRead(ctx, conversationID, admin); err != nil {
		return nil, err
	}
	msgs, err := s.registry.History(ctx, conversationID)
	if err != nil {
		return nil, errors.Wrapf(err, "load history of conversation %s", conversationID)
	}
	return msgs, nil
}

// AdminSend posts a staff reply into a conversation.
func (s *Service) AdminSend(ctx context.Context, admin types.Identity, conversationID string, req types.SendRequest) (*types.Message, error) {
	if err := requireRole(admin, types.RoleAdmin); err != nil {
		return nil, err
	}
	return s.send(ctx, admin, conversationID, req)
}

// AdminMarkRead marks the student's messages read for staff.
func (s *Service) AdminMarkRead(ctx context.Context, admin types.Identity, conversationID string) (*ReadResult, error) {
	if err := requireRole(admin, types.RoleAdmin); err != nil {
		return nil, err
	}
	return s.markRead(ctx, conversationID, admin)
}
