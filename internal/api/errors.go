package api

import (
	"errors"
	"net/http"

	"coursechat/internal/router"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidJSON  = errors.New("request body is not valid JSON")
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string             `json:"error"`
	Code    int                `json:"code"`
	Message string             `json:"message"`
	Fields  []types.FieldError `json:"fields,omitempty"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case types.IsValidation(err), errors.Is(err, ErrInvalidJSON):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrUnauthorized), errors.Is(err, ErrMissingToken):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, router.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
