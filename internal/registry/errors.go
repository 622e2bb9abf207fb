package registry

import (
	"fmt"

	"coursechat/pkg/interfaces"
)

// Both wrap interfaces.ErrForbidden so the API maps them to 403.
var (
	ErrNotStudent     = fmt.Errorf("%w: only students own a conversation", interfaces.ErrForbidden)
	ErrNotParticipant = fmt.Errorf("%w: sender is not a participant of this conversation", interfaces.ErrForbidden)
)
