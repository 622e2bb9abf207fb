package router

import "errors"

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrInvalidDelivery   = errors.New("delivery requires a summary")
)
