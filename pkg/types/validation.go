package types

import (
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxBodyLength is counted in runes, matching validator's max tag for strings.
const MaxBodyLength = 4000

var (
	notBlankTag = "notblank"
	roleTag     = "chatrole"

	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()

	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation(roleTag, func(fl validator.FieldLevel) bool {
		return IsValidRole(Role(fl.Field().String()))
	})
	return v
}

// SendRequest is the body of both the student and the admin persist call.
type SendRequest struct {
	Content   string `json:"content" validate:"notblank,max=4000"`
	ClientRef string `json:"client_ref,omitempty" validate:"max=64"`
}

// Validate checks the request and normalizes Content by trimming surrounding whitespace.
func (r *SendRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return translate(err)
	}
	r.Content = strings.TrimSpace(r.Content)
	return nil
}

// Validate checks the identity extracted from a bearer token.
func (i *Identity) Validate() error {
	if err := validate.Struct(i); err != nil {
		return translate(err)
	}
	return nil
}

// ValidateBody applies the body rule shared by the store and the client controller:
// non-empty after trimming, at most MaxBodyLength runes.
func ValidateBody(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", NewValidationError(ErrEmptyBody, FieldError{Field: "content", Error: ErrEmptyBody.Error()})
	}
	if utf8.RuneCountInString(trimmed) > MaxBodyLength {
		return "", NewValidationError(ErrBodyTooLong, FieldError{Field: "content", Error: ErrBodyTooLong.Error()})
	}
	return trimmed, nil
}

// IsValidRole checks the role is one of the two conversation sides.
func IsValidRole(role Role) bool {
	switch role {
	case RoleStudent, RoleAdmin:
		return true
	default:
		return false
	}
}

// translate turns validator output into a ValidationError carrying the first
// matching sentinel, so callers can use errors.Is.
func translate(err error) error {
	vErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return NewValidationError(err)
	}

	var first error
	fields := make([]FieldError, 0, len(vErrs))
	for _, fe := range vErrs {
		sentinel := sentinelFor(fe)
		if first == nil {
			first = sentinel
		}
		fields = append(fields, FieldError{Field: fe.Field(), Error: sentinel.Error()})
	}
	return NewValidationError(first, fields...)
}

func sentinelFor(fe validator.FieldError) error {
	switch fe.Field() {
	case "content":
		if fe.Tag() == "max" {
			return ErrBodyTooLong
		}
		return ErrEmptyBody
	case "client_ref":
		return ErrInvalidClientRef
	case "role":
		return ErrInvalidRole
	default:
		return ErrInvalidIdentity
	}
}
