// Package auth resolves the caller identity of gateway requests from a bearer
// JWT, a static API key or, when allowed, plain identity headers.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/campusgate/internal/access"
)

var (
	ErrAuthDisabled       = errors.New("auth disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidKey         = errors.New("invalid api key")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Identity headers honoured when header identity is allowed and no verified
// credential was presented.
const (
	HeaderUserID           = "X-User-Id"
	HeaderUserRole         = "X-User-Role"
	HeaderAllowedProviders = "X-Allowed-Providers"
	HeaderAPIKey           = "X-API-Key"
)

// Config configures authentication.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
	// AllowHeaderIdentity trusts X-User-* headers when no credential is sent.
	AllowHeaderIdentity bool
}

// APIKeyConfig declares a static API key and the identity it grants.
type APIKeyConfig struct {
	Key              string   `yaml:"key" json:"key"`
	UserID           string   `yaml:"user_id" json:"user_id"`
	Name             string   `yaml:"name" json:"name"`
	Role             string   `yaml:"role" json:"role"`
	AllowedProviders []string `yaml:"allowed_providers" json:"allowed_providers"`
}

// Service validates JWTs and API keys and resolves request identities.
type Service struct {
	jwt          *JWTService
	apiKeys      map[string]*Identity
	allowHeaders bool
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{allowHeaders: cfg.AllowHeaderIdentity}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	return service
}

// Enabled reports whether any verifiable credential is configured.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues a signed token for the given identity.
func (s *Service) GenerateJWT(id Identity) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(id)
}

// ValidateJWT validates a JWT and returns the identity embedded in it.
func (s *Service) ValidateJWT(token string) (*Identity, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key and returns the associated identity.
// Every stored key is compared in constant time.
func (s *Service) ValidateAPIKey(key string) (*Identity, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	inputKey := strings.TrimSpace(key)
	var matched *Identity
	for storedKey, id := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matched = id
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	copied := *matched
	return &copied, nil
}

// Authenticate resolves the identity of r.
//
// A bearer token must be a valid JWT and an API key must match; either
// failure is returned rather than falling through. Without credentials the
// identity headers are used when allowed. When nothing is configured at all
// the caller is anonymous with the default role.
func (s *Service) Authenticate(r *http.Request) (*Identity, error) {
	if token := extractBearer(r); token != "" {
		if s.jwt == nil {
			return nil, ErrInvalidToken
		}
		return s.ValidateJWT(token)
	}

	if key := extractAPIKey(r); key != "" {
		if len(s.apiKeys) == 0 {
			return nil, ErrInvalidKey
		}
		return s.ValidateAPIKey(key)
	}

	if s.allowHeaders {
		return headerIdentity(r), nil
	}
	if !s.Enabled() {
		return &Identity{Role: access.RoleStudent, Method: MethodAnonymous}, nil
	}
	return nil, ErrMissingCredentials
}

func headerIdentity(r *http.Request) *Identity {
	return &Identity{
		UserID:      strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Role:        access.ParseRole(r.Header.Get(HeaderUserRole)),
		HeaderAllow: access.ParseList(r.Header.Get(HeaderAllowedProviders)),
		Method:      MethodHeader,
	}
}

func extractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if len(value) > len("bearer ") && strings.EqualFold(value[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}

func extractAPIKey(r *http.Request) string {
	for _, key := range []string{HeaderAPIKey, "Api-Key"} {
		if v := strings.TrimSpace(r.Header.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]*Identity {
	out := map[string]*Identity{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			sum := sha256.Sum256([]byte(key))
			userID = "api_" + hex.EncodeToString(sum[:8])
		}
		var allow []string
		if entry.AllowedProviders != nil {
			allow = append([]string{}, entry.AllowedProviders...)
		}
		out[key] = &Identity{
			UserID:        userID,
			Name:          strings.TrimSpace(entry.Name),
			Role:          access.ParseRole(entry.Role),
			VerifiedAllow: allow,
			Method:        MethodAPIKey,
		}
	}
	return out
}
