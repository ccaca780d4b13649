package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInactiveToken    = errors.New("token is not active")
)

// Subject 是通过验证的调用方，经由 context 传递给处理器。
type Subject struct {
	ID     string
	Email  string
	Role   string
	Scopes []string

	scopeSet map[string]struct{}
}

// normalise 准备权限检查使用的查找表。
func (s *Subject) normalise() {
	if s == nil || s.scopeSet != nil {
		return
	}
	s.scopeSet = make(map[string]struct{}, len(s.Scopes))
	for _, scope := range s.Scopes {
		s.scopeSet[strings.ToLower(strings.TrimSpace(scope))] = struct{}{}
	}
}

// HasScope reports whether the subject was granted scope.
func (s *Subject) HasScope(scope string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.scopeSet[strings.ToLower(strings.TrimSpace(scope))]
	return ok
}

// Authorize ensures the subject holds all required scopes.
func (s *Subject) Authorize(scopes ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		if !s.HasScope(scope) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, scope)
		}
	}
	return nil
}

// Config configures the validator.
type Config struct {
	Mode   Mode
	Static StaticOptions
	JWT    JWTOptions
	OAuth  OAuthOptions
}

// Mode enumerates the supported validation backends.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeStatic   Mode = "static"
	ModeJWT      Mode = "jwt"
	ModeOAuth    Mode = "oauth"
)

// StaticOptions lists pre-shared bearer tokens, typically for local use.
type StaticOptions struct {
	Tokens []StaticToken
}

// StaticToken binds a pre-shared token to a subject id.
type StaticToken struct {
	Token   string
	Subject string
	Scopes  []string
}

// JWTOptions verifies HS256 session tokens issued by an external identity
// service sharing Secret.
type JWTOptions struct {
	Secret   string
	Issuer   string
	Audience []string
}

// OAuthOptions delegates validation to an RFC 7662 introspection endpoint.
type OAuthOptions struct {
	IntrospectionURL string
	ClientID         string
	ClientSecret     string
	TimeoutSeconds   int
	UsernameClaim    string
}
