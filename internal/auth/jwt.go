package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/campusgate/internal/access"
)

// JWTService handles token signing and verification.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService builds a JWT helper with the given secret and expiry.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

// Claims carry the caller's role and, optionally, a provider allow-list.
// A missing or null allowed_providers claim means no narrowing; an empty
// array narrows to nothing.
type Claims struct {
	Name             string   `json:"name,omitempty"`
	Role             string   `json:"role,omitempty"`
	AllowedProviders []string `json:"allowed_providers"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given identity.
func (s *JWTService) Generate(id Identity) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(id.UserID) == "" {
		return "", errors.New("user id required")
	}

	claims := Claims{
		Name:             strings.TrimSpace(id.Name),
		Role:             id.Role.String(),
		AllowedProviders: id.VerifiedAllow,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT and returns the identity embedded in it.
func (s *JWTService) Validate(token string) (*Identity, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}

	var allow []string
	if claims.AllowedProviders != nil {
		allow = access.ParseList(strings.Join(claims.AllowedProviders, ","))
		if allow == nil {
			allow = []string{}
		}
	}
	return &Identity{
		UserID:        claims.Subject,
		Name:          strings.TrimSpace(claims.Name),
		Role:          access.ParseRole(claims.Role),
		VerifiedAllow: allow,
		Method:        MethodJWT,
	}, nil
}
