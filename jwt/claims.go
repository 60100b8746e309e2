package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenInvalid is returned when a token cannot be decoded or verified.
var ErrTokenInvalid = errors.New("invalid access token")

// AccessClaims mirrors the claims the identity provider places in access tokens.
type AccessClaims struct {
	Email        string         `json:"email,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Role         string         `json:"role,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

// Username returns the "username" user metadata entry, if any.
func (c *AccessClaims) Username() string {
	if c == nil || c.UserMetadata == nil {
		return ""
	}
	name, _ := c.UserMetadata["username"].(string)
	return name
}

// Expiry returns the exp claim as a time, zero when absent.
func (c *AccessClaims) Expiry() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Config controls how an [Inspector] reads tokens.
type Config struct {
	// Secret enables HS256 verification. Without it tokens are decoded unverified.
	Secret []byte
	Leeway time.Duration
}

// Inspector decodes access tokens.
type Inspector struct {
	config Config
}

// NewInspector validates cfg and returns an Inspector.
func NewInspector(cfg Config) (*Inspector, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	return &Inspector{config: cfg}, nil
}

// Verifies reports whether signatures are checked.
func (i *Inspector) Verifies() bool {
	return i != nil && len(i.config.Secret) > 0
}

// Parse decodes tokenStr. When the Inspector verifies, the signature and the
// registered time claims are validated; otherwise only the structure is.
func (i *Inspector) Parse(tokenStr string) (*AccessClaims, error) {
	if tokenStr == "" {
		return nil, ErrTokenInvalid
	}

	claims := &AccessClaims{}
	if !i.Verifies() {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
		return claims, nil
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if i.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(i.config.Leeway))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return i.config.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
