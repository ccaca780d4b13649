package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	loggerpkg "X402-Agent/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredScopes 定义每个 HTTP 方法所需的权限，"*" 匹配所有方法。
	RequiredScopes map[string][]string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			logger := s.audit
			if logger == nil {
				logger = loggerpkg.Audit()
			}

			// 认证请求。
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				writeUnauthorized(w, http.StatusUnauthorized, err)
				logger.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", http.StatusUnauthorized,
					"error", err.Error(),
				)
				return
			}

			// 授权请求。
			scopes := cfg.RequiredScopes[r.Method]
			if len(scopes) == 0 {
				scopes = cfg.RequiredScopes["*"]
			}
			if len(scopes) > 0 {
				if err := subject.Authorize(scopes...); err != nil {
					writeUnauthorized(w, http.StatusForbidden, err)
					logger.Warn("permission_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"status", http.StatusForbidden,
						"error", err.Error(),
						"user", subject.ID,
					)
					return
				}
			}

			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			logger.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.ID,
			)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, status int, err error) {
	label := "Unauthorized"
	if status == http.StatusForbidden {
		label = "Forbidden"
	}
	details := err.Error()
	if !errors.Is(err, ErrMissingToken) && !errors.Is(err, ErrPermissionDenied) {
		// 不向调用方暴露内省或解析的细节。
		details = ErrInvalidToken.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": label, "details": details})
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush 透传给底层 ResponseWriter。
func (w *auditWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
