package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"X402-Agent/pkg/logger"

	"github.com/golang-jwt/jwt/v4"
)

// Validator 校验请求携带的 bearer 令牌。
type Validator interface {
	Validate(ctx context.Context, token string) (*Subject, error)
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode   Mode
	static map[string]StaticToken
	jwt    *jwtVerifier
	oauth  *oauthClient
	audit  *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
	case ModeStatic:
		if len(cfg.Static.Tokens) == 0 {
			return nil, errors.New("static mode requires at least one token")
		}
		svc.static = make(map[string]StaticToken, len(cfg.Static.Tokens))
		for _, tok := range cfg.Static.Tokens {
			value := strings.TrimSpace(tok.Token)
			if value == "" {
				return nil, errors.New("static token must not be empty")
			}
			svc.static[value] = tok
		}
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		svc.jwt = &jwtVerifier{
			secret:   []byte(cfg.JWT.Secret),
			issuer:   cfg.JWT.Issuer,
			audience: cfg.JWT.Audience,
			parser:   jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
		}
	case ModeOAuth:
		client, err := newOAuthClient(cfg.OAuth)
		if err != nil {
			return nil, err
		}
		svc.oauth = client
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并校验其中的令牌。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	return s.Validate(ctx, token)
}

// Validate 根据当前模式校验令牌。
func (s *Service) Validate(ctx context.Context, token string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	switch s.mode {
	case ModeStatic:
		return s.verifyStatic(token)
	case ModeJWT:
		return s.jwt.verify(token)
	case ModeOAuth:
		return s.verifyOAuth(ctx, token)
	default:
		return nil, ErrDisabled
	}
}

// verifyStatic 以常量时间比较预共享令牌。
func (s *Service) verifyStatic(token string) (*Subject, error) {
	for value, entry := range s.static {
		if subtle.ConstantTimeCompare([]byte(value), []byte(token)) == 1 {
			id := entry.Subject
			if id == "" {
				id = "static:" + logger.Fingerprint(value)
			}
			subject := &Subject{ID: id, Scopes: append([]string(nil), entry.Scopes...)}
			subject.normalise()
			return subject, nil
		}
	}
	return nil, ErrInvalidToken
}

// verifyOAuth 通过内省接口验证令牌。
func (s *Service) verifyOAuth(ctx context.Context, token string) (*Subject, error) {
	if s.oauth == nil {
		return nil, errors.New("oauth client not configured")
	}
	info, err := s.oauth.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if !info.Active {
		return nil, ErrInactiveToken
	}
	id := info.Username
	if id == "" {
		id = info.Subject
	}
	if id == "" {
		return nil, ErrInvalidToken
	}
	subject := &Subject{ID: id, Scopes: info.Scopes}
	subject.normalise()
	return subject, nil
}

// jwtVerifier 校验 HS256 会话令牌。
type jwtVerifier struct {
	secret   []byte
	issuer   string
	audience []string
	parser   *jwt.Parser
}

// sessionClaims 是会话令牌携带的声明。
type sessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	Scope string `json:"scope,omitempty"`
}

func (v *jwtVerifier) verify(token string) (*Subject, error) {
	if v == nil {
		return nil, errors.New("jwt verifier not initialised")
	}
	var claims sessionClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, ErrInvalidToken
	}
	if len(v.audience) > 0 {
		matched := false
		for _, aud := range v.audience {
			if claims.VerifyAudience(strings.TrimSpace(aud), true) {
				matched = true
				break
			}
		}
		if !matched {
			return nil, ErrInvalidToken
		}
	}
	subject := &Subject{
		ID:     claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
		Scopes: strings.Fields(claims.Scope),
	}
	subject.normalise()
	return subject, nil
}

// oauthClient 负责与 OAuth 2.0 提供者的内省接口交互。
type oauthClient struct {
	config OAuthOptions
	client *http.Client
}

// introspectionResponse 定义 OAuth 令牌内省响应的结构。
type introspectionResponse struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub"`
	Username  string `json:"username"`
	Scope     string `json:"scope"`
	ExpiresAt int64  `json:"exp"`
	ClientID  string `json:"client_id"`
}

// oauthSubject 定义通过 OAuth 内省获得的主体信息。
type oauthSubject struct {
	Active   bool
	Subject  string
	Username string
	Scopes   []string
}

// newOAuthClient 创建并配置一个新的 OAuth 客户端实例。
func newOAuthClient(cfg OAuthOptions) (*oauthClient, error) {
	if strings.TrimSpace(cfg.IntrospectionURL) == "" {
		return nil, errors.New("oauth introspection_url must be configured")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 15
	}
	return &oauthClient{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}, nil
}

// introspect 验证 OAuth 令牌并返回相应的主体信息。
func (c *oauthClient) introspect(ctx context.Context, token string) (*oauthSubject, error) {
	form := url.Values{}
	form.Set("token", token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.config.ClientID != "" {
		httpReq.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("oauth introspection failed: %s", resp.Status)
	}
	var introspect introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&introspect); err != nil {
		return nil, fmt.Errorf("decode introspection: %w", err)
	}
	if introspect.ExpiresAt != 0 && time.Now().Unix() > introspect.ExpiresAt {
		introspect.Active = false
	}
	return &oauthSubject{
		Active:   introspect.Active,
		Subject:  introspect.Subject,
		Username: pickClaim(introspect, c.config.UsernameClaim),
		Scopes:   strings.Fields(introspect.Scope),
	}, nil
}

// pickClaim 从内省响应中提取指定的声明值。
func pickClaim(resp introspectionResponse, claim string) string {
	switch strings.ToLower(claim) {
	case "sub", "subject":
		return resp.Subject
	case "client_id":
		return resp.ClientID
	default:
		if resp.Username == "" {
			return resp.Subject
		}
		return resp.Username
	}
}
