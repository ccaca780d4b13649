package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims sessionClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func validClaims() sessionClaims {
	now := time.Now()
	return sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "https://auth.example.com",
			Audience:  jwt.ClaimStrings{"authenticated"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Email: "user@example.com",
		Role:  "authenticated",
		Scope: "chat proxy",
	}
}

func newJWTService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{
		Secret:   testSecret,
		Issuer:   "https://auth.example.com",
		Audience: []string{"authenticated"},
	}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestJWTValidate(t *testing.T) {
	svc := newJWTService(t)
	subject, err := svc.Validate(context.Background(), signToken(t, testSecret, validClaims()))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if subject.ID != "user-1" || subject.Email != "user@example.com" {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if !subject.HasScope("CHAT") || subject.HasScope("admin") {
		t.Fatalf("unexpected scopes: %v", subject.Scopes)
	}
}

func TestJWTRejections(t *testing.T) {
	svc := newJWTService(t)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongAudience := validClaims()
	wrongAudience.Audience = jwt.ClaimStrings{"service_role"}
	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "https://evil.example.com"
	noSubject := validClaims()
	noSubject.Subject = ""

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	cases := map[string]string{
		"expired":        signToken(t, testSecret, expired),
		"wrong secret":   signToken(t, "other", validClaims()),
		"wrong audience": signToken(t, testSecret, wrongAudience),
		"wrong issuer":   signToken(t, testSecret, wrongIssuer),
		"no subject":     signToken(t, testSecret, noSubject),
		"alg none":       none,
		"garbage":        "not-a-jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Validate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestStaticValidate(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeStatic, Static: StaticOptions{Tokens: []StaticToken{
		{Token: "dev-token", Subject: "dev", Scopes: []string{"chat"}},
		{Token: "anon-token"},
	}}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer dev-token")
	if err != nil || subject.ID != "dev" {
		t.Fatalf("unexpected result %+v %v", subject, err)
	}
	anon, err := svc.Validate(context.Background(), "anon-token")
	if err != nil || anon.ID == "" || anon.ID == "anon-token" {
		t.Fatalf("anonymous static subject must not expose the token: %+v %v", anon, err)
	}
	if _, err := svc.Validate(context.Background(), "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Basic abc"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestNewServiceValidation(t *testing.T) {
	cases := map[string]Config{
		"jwt without secret":     {Mode: ModeJWT},
		"static without tokens":  {Mode: ModeStatic},
		"oauth without endpoint": {Mode: ModeOAuth},
		"unknown mode":           {Mode: "ldap"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewService(cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("empty mode should mean disabled: %v", err)
	}
}

func TestOAuthIntrospection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.PostForm.Get("token") {
		case "good":
			_ = json.NewEncoder(w).Encode(map[string]any{"active": true, "sub": "abc", "username": "alice", "scope": "chat"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"active": false})
		}
	}))
	defer srv.Close()

	svc, err := NewService(Config{Mode: ModeOAuth, OAuth: OAuthOptions{
		IntrospectionURL: srv.URL,
		ClientID:         "client",
		ClientSecret:     "secret",
	}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	subject, err := svc.Validate(context.Background(), "good")
	if err != nil || subject.ID != "alice" || !subject.HasScope("chat") {
		t.Fatalf("unexpected result %+v %v", subject, err)
	}
	if _, err := svc.Validate(context.Background(), "bad"); !errors.Is(err, ErrInactiveToken) {
		t.Fatalf("expected ErrInactiveToken, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newJWTService(t)
	var seen string
	handler := svc.Middleware(MiddlewareConfig{
		AuditEvent:     "chat",
		RequiredScopes: map[string][]string{"POST": {"chat"}},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "Unauthorized" || body["details"] == "" {
		t.Fatalf("unexpected body %v", body)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, validClaims()))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen != "user-1" {
		t.Fatalf("expected authorised request, got %d subject=%q", rec.Code, seen)
	}

	limited := validClaims()
	limited.Scope = "proxy"
	req = httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, limited))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, _ := NewService(Config{Mode: ModeDisabled})
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected passthrough, got %d", rec.Code)
	}
}

func TestSubjectContext(t *testing.T) {
	if _, ok := SubjectFrom(context.Background()); ok {
		t.Fatalf("expected no subject on a bare context")
	}
	if SubjectID(context.Background()) != "" {
		t.Fatalf("anonymous callers have no id")
	}
	ctx := WithSubject(context.Background(), &Subject{ID: "user-1", Scopes: []string{" Chat "}})
	subject, ok := SubjectFrom(ctx)
	if !ok || subject.ID != "user-1" || !subject.HasScope("chat") {
		t.Fatalf("unexpected subject %+v", subject)
	}
	if WithSubject(ctx, nil) != ctx {
		t.Fatalf("nil subject should leave the context untouched")
	}
}
