package types

import "errors"

var (
	ErrEmptyBody        = errors.New("message body cannot be empty")
	ErrBodyTooLong      = errors.New("message body exceeds 4000 characters")
	ErrInvalidRole      = errors.New("role must be 'student' or 'admin'")
	ErrInvalidIdentity  = errors.New("identity must be 1-64 characters")
	ErrInvalidFrame     = errors.New("invalid realtime frame")
	ErrInvalidClientRef = errors.New("client_ref must be at most 64 characters")
)

// FieldError is used to indicate an error with a specific request field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError is returned for input rejected before anything is persisted.
type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{Err: err, Fields: flds}
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "validation failed"
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}
