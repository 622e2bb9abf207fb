package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrPublishQueueFull  = errors.New("publish queue is full")
	ErrNilDelivery       = errors.New("delivery is nil")
)
