package interfaces

import (
	"time"

	"coursechat/pkg/types"
)

// Connection is one live realtime connection as seen by the broker.
// Implementations must serialize writes so WriteJSON is safe from any goroutine.
type Connection interface {
	// WriteJSON queues v for delivery; it never blocks on the network.
	WriteJSON(v interface{}) error

	// Close tears the connection down; safe to call more than once.
	Close() error

	GetUserID() string
	GetRole() types.Role

	// GetOrigin is the logical client slot (tab or device) the connection was opened for.
	GetOrigin() string

	IsAuthenticated() bool
	SetCredentials(userID string, role types.Role, origin string) error

	// Touch records inbound activity; LastSeen reports the latest such instant.
	Touch()
	LastSeen() time.Time
}
