// Package auth turns bearer tokens into chat identities.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Claims are the JWT claims the chat understands. Subject is the user id.
type Claims struct {
	Role  types.Role `json:"role"`
	Name  string     `json:"name,omitempty"`
	Email string     `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses the token and returns the identity it asserts.
func (v *Verifier) Verify(token string) (*types.Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", interfaces.ErrUnauthorized)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", interfaces.ErrUnauthorized)
	}

	claims := parsed.Claims.(*Claims)
	identity := &types.Identity{
		ID:    claims.Subject,
		Role:  claims.Role,
		Name:  claims.Name,
		Email: claims.Email,
	}
	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, err)
	}
	return identity, nil
}

// Issuer mints tokens. Production tokens come from the platform's login; this
// serves tests and the -mint-token flag.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret, issuer string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for the identity.
func (i *Issuer) Issue(identity types.Identity) (string, error) {
	if err := identity.Validate(); err != nil {
		return "", err
	}
	now := i.now()
	claims := Claims{
		Role:  identity.Role,
		Name:  identity.Name,
		Email: identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

var _ interfaces.TokenVerifier = (*Verifier)(nil)
