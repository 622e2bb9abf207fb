package client

import (
	"context"

	"github.com/google/uuid"

	"coursechat/pkg/types"
)

// StudentSession is the controller behind a student's chat panel.
type StudentSession struct {
	session    *Session
	rest       *RESTClient
	transcript *Transcript
	updates    *notifier
	self       types.Identity
}

// NewStudentSession creates an unopened controller. self identifies the
// student on optimistic entries.
func NewStudentSession(cfg Config, self types.Identity) (*StudentSession, error) {
	s := &StudentSession{
		rest:       NewRESTClient(cfg.ServerURL, cfg.Token, cfg.HTTPClient),
		transcript: NewTranscript(),
		updates:    newNotifier(64),
		self:       self,
	}
	session, err := newSession(cfg, hooks{
		onFrame:     s.onFrame,
		onStatus:    s.onStatus,
		onReconnect: s.onReconnect,
	})
	if err != nil {
		return nil, err
	}
	s.session = session
	return s, nil
}

// Open connects to the broker and then loads history, so nothing sent in
// between is missed.
func (s *StudentSession) Open(ctx context.Context) error {
	if err := s.session.Open(ctx); err != nil {
		return err
	}
	return s.Sync(ctx)
}

// Sync replaces the transcript with the server's history.
func (s *StudentSession) Sync(ctx context.Context) error {
	msgs, err := s.rest.StudentHistory(ctx)
	if err != nil {
		return err
	}
	s.transcript.Replace(msgs)
	s.updates.emit(Update{Kind: UpdateTranscript})
	return nil
}

// Send shows the message immediately and persists it. On failure the
// optimistic entry is removed and a *PersistError returns the body.
func (s *StudentSession) Send(ctx context.Context, body string) (*types.Message, error) {
	content, err := types.ValidateBody(body)
	if err != nil {
		return nil, err
	}

	ref := uuid.NewString()
	s.transcript.AddPending(ref, content, s.self.ID, types.RoleStudent)
	s.updates.emit(Update{Kind: UpdateTranscript})

	msg, err := s.rest.StudentSend(ctx, types.SendRequest{Content: content, ClientRef: ref})
	if err != nil {
		s.transcript.Remove(ref)
		s.updates.emit(Update{Kind: UpdateTranscript})
		return nil, &PersistError{Body: body, ClientRef: ref, Err: err}
	}

	s.transcript.Reconcile(msg)
	s.updates.emit(Update{Kind: UpdateTranscript})
	return msg, nil
}

// MarkRead marks staff replies read.
func (s *StudentSession) MarkRead(ctx context.Context) (*ReadResult, error) {
	return s.rest.StudentMarkRead(ctx)
}

// Unread counts staff replies not yet read.
func (s *StudentSession) Unread(ctx context.Context) (int, error) {
	return s.rest.StudentUnread(ctx)
}

func (s *StudentSession) onFrame(frame *types.Frame) {
	if frame.Type != types.FrameNewMessage || frame.Message == nil {
		return
	}
	s.transcript.Reconcile(frame.Message)
	s.updates.emit(Update{Kind: UpdateTranscript, ConversationID: frame.ConversationID})
}

func (s *StudentSession) onStatus(st Status) {
	s.updates.emit(Update{Kind: UpdateStatus, Status: st})
}

func (s *StudentSession) onReconnect(ctx context.Context) {
	if err := s.Sync(ctx); err != nil {
		s.session.logger.Warnf("history sync after reconnect failed: %v", err)
	}
}

// Transcript returns the rendered entries in order.
func (s *StudentSession) Transcript() []Entry { return s.transcript.Entries() }

func (s *StudentSession) Status() Status { return s.session.Status() }

// Updates delivers change notifications until Close.
func (s *StudentSession) Updates() <-chan Update { return s.updates.ch }

func (s *StudentSession) SetVisible(visible bool) { s.session.SetVisible(visible) }

// Close stops the session permanently.
func (s *StudentSession) Close() error {
	err := s.session.Close()
	s.updates.close()
	return err
}
