package chat

import (
	"fmt"

	"coursechat/internal/router"
	"coursechat/pkg/interfaces"
)

var (
	ErrStudentOnly = fmt.Errorf("%w: student endpoint", interfaces.ErrForbidden)
	ErrAdminOnly   = fmt.Errorf("%w: admin endpoint", interfaces.ErrForbidden)

	// ErrRateLimited is the router's sentinel so callers can match either.
	ErrRateLimited = router.ErrRateLimitExceeded
)
