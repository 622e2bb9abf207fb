package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// MessageRouter computes recipients for a delivery and writes to them.
type MessageRouter interface {
	// Route writes the delivery to every live recipient and returns how many accepted it.
	// A failing recipient never prevents delivery to the others.
	Route(ctx context.Context, delivery *types.Delivery) int

	// GetRecipients lists the live connections that should see a delivery.
	GetRecipients(delivery *types.Delivery) []Connection
}

// Publisher is the fire-and-forget side of the broker used after a successful write.
type Publisher interface {
	Publish(delivery *types.Delivery) error
}
