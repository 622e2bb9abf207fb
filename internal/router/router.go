// Package router decides who sees a delivery and writes it to them.
package router

import (
	"context"

	"github.com/labstack/gommon/log"

	"coursechat/internal/logging"
	"coursechat/internal/websocket"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Router fans a delivery out to live connections.
// ARCHITECTURAL DISCOVERY: the message is already durable when it gets here,
// so routing is best effort and a recipient that fails is only logged.
type Router struct {
	registry *websocket.Registry
	logger   *log.Logger
}

func NewRouter(registry *websocket.Registry) *Router {
	return &Router{
		registry: registry,
		logger:   logging.For("broker"),
	}
}

var _ interfaces.MessageRouter = (*Router)(nil)

// Validate checks that a delivery can be routed.
func (r *Router) Validate(delivery *types.Delivery) error {
	if delivery == nil || delivery.Summary == nil || delivery.Summary.StudentID == "" {
		return ErrInvalidDelivery
	}
	return nil
}

// GetRecipients returns the conversation's student connections followed by
// every admin connection.
func (r *Router) GetRecipients(delivery *types.Delivery) []interfaces.Connection {
	if r.Validate(delivery) != nil {
		return nil
	}
	var recipients []interfaces.Connection
	if delivery.Message != nil {
		recipients = append(recipients, r.registry.StudentConnections(delivery.Summary.StudentID)...)
	}
	return append(recipients, r.registry.AdminConnections()...)
}

// Route writes new_message to every recipient and a conversation_update to
// every admin. It returns how many connections accepted at least one frame.
func (r *Router) Route(ctx context.Context, delivery *types.Delivery) int {
	if err := r.Validate(delivery); err != nil {
		r.logger.Warnf("dropping delivery: %v", err)
		return 0
	}
	summary := delivery.Summary

	var messageFrame *types.Frame
	if delivery.Message != nil {
		messageFrame = types.NewMessageFrame(delivery.Message, summary.StudentName)
	}
	updateFrame := types.NewConversationUpdateFrame(summary)

	delivered := 0
	for _, conn := range r.GetRecipients(delivery) {
		if ctx.Err() != nil {
			r.logger.Warnf("routing canceled: conversation=%s delivered=%d", summary.ConversationID, delivered)
			return delivered
		}

		accepted := false
		if messageFrame != nil {
			accepted = r.write(conn, messageFrame)
		}
		if conn.GetRole() == types.RoleAdmin {
			accepted = r.write(conn, updateFrame) || accepted
		}
		if accepted {
			delivered++
		}
	}

	r.logger.Debugf("routed: conversation=%s message=%t delivered=%d",
		summary.ConversationID, messageFrame != nil, delivered)
	return delivered
}

func (r *Router) write(conn interfaces.Connection, frame *types.Frame) bool {
	if err := conn.WriteJSON(frame); err != nil {
		r.logger.Warnf("delivery failed: user=%s role=%s origin=%s type=%s: %v",
			conn.GetUserID(), conn.GetRole(), conn.GetOrigin(), frame.Type, err)
		return false
	}
	return true
}
