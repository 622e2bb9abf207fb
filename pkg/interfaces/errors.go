package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrUnauthorized         = errors.New("unauthorized access")
	ErrForbidden            = errors.New("role not permitted for this operation")
)
