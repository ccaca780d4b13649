package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"X402-Agent/internal/auth"
	"X402-Agent/internal/budget"
	"X402-Agent/internal/conversation"
	"X402-Agent/internal/ledger"
	"X402-Agent/internal/llm"
	"X402-Agent/internal/observability/metrics"
	"X402-Agent/internal/registry"
	"X402-Agent/internal/web3"
	"X402-Agent/pkg/logger"

	"github.com/rs/cors"
)

// Catalog 是 API 需要的注册表只读视图。
type Catalog interface {
	Get(id string) (registry.Endpoint, bool)
	Endpoints() []registry.Endpoint
	FunctionSignatures() []registry.FunctionSignature
}

// Orchestrator 是对话编排器暴露给 HTTP 层的操作。
type Orchestrator interface {
	Decide(ctx context.Context, history []llm.Message) (conversation.Outcome, error)
	Start(subject string) *conversation.Conversation
	Step(ctx context.Context, conv *conversation.Conversation, userText string) (conversation.Outcome, error)
	Execute(ctx context.Context, conv *conversation.Conversation, executor conversation.Executor, actionID string) error
	Decline(conv *conversation.Conversation, actionID string) error
}

// PaymentLister 返回最近的结算记录。
type PaymentLister interface {
	Recent(ctx context.Context, limit int) ([]ledger.Record, error)
}

// BalanceReader 读取钱包在指定网络上的资产余额。
type BalanceReader interface {
	AssetBalance(ctx context.Context, network, owner string) (*big.Int, web3.NetworkDefinition, error)
}

// BudgetReporter 报告累计支出。
type BudgetReporter interface {
	Snapshot(ctx context.Context) (budget.Snapshot, error)
}

// ExecutorFactory 为一个会话创建支付执行器，返回 nil 表示服务端钱包不可用。
type ExecutorFactory func(conv *conversation.Conversation) conversation.Executor

// Options 汇总 API 服务的依赖与参数。
type Options struct {
	Address        string
	AllowedOrigins []string
	ProxyTimeout   time.Duration
	RateLimit      float64
	RateBurst      int

	// MaxUpstreamBodyBytes 限制代理读取的上游响应体，超出时返回 502。
	MaxUpstreamBodyBytes int64

	Catalog      Catalog
	Orchestrator Orchestrator
	Auth         *auth.Service
	Payments     PaymentLister
	Balances     BalanceReader
	Budget       BudgetReporter
	Executors    ExecutorFactory

	WalletAddress  string
	DefaultNetwork string
	Decimals       int
	// HTTPClient 用于代理路由访问上游接口。
	HTTPClient *http.Client
}

// Server 负责暴露 REST 接口：对话入口、付费接口代理与运维查询。
type Server struct {
	opts     Options
	client   *http.Client
	sessions *sessionStore
	limiter  *clientLimiter
	log      *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.ProxyTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if opts.Decimals <= 0 {
		opts.Decimals = 6
	}
	if opts.MaxUpstreamBodyBytes <= 0 {
		opts.MaxUpstreamBodyBytes = maxUpstreamBodyBytes
	}
	return &Server{
		opts:     opts,
		client:   client,
		sessions: newSessionStore(),
		limiter:  newClientLimiter(opts.RateLimit, opts.RateBurst),
		log:      logger.Named("api"),
	}
}

// Handler 返回完整的路由树，测试可以直接使用。
func (s *Server) Handler() http.Handler {
	protect := func(event string, h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		handler = s.limiter.Middleware(handler)
		if s.opts.Auth != nil {
			handler = s.opts.Auth.Middleware(auth.MiddlewareConfig{AuditEvent: event})(handler)
		}
		return metrics.Middleware(event, handler)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/chat", protect("chat", s.handleChat))
	mux.Handle("/api/x402/{id}", protect("proxy", s.handleProxy))
	mux.Handle("POST /api/conversations", protect("conversation_create", s.handleCreateConversation))
	mux.Handle("GET /api/conversations/{id}", protect("conversation_get", s.handleGetConversation))
	mux.Handle("POST /api/conversations/{id}/messages", protect("conversation_message", s.handleConversationMessage))
	mux.Handle("POST /api/conversations/{id}/actions/{action}/confirm", protect("conversation_confirm", s.handleConfirmAction))
	mux.Handle("POST /api/conversations/{id}/actions/{action}/decline", protect("conversation_decline", s.handleDeclineAction))
	mux.Handle("GET /api/endpoints", protect("endpoints", s.handleEndpoints))
	mux.Handle("GET /api/payments", protect("payments", s.handlePayments))
	mux.Handle("GET /api/wallet", protect("wallet", s.handleWallet))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-PAYMENT"},
		ExposedHeaders: []string{"X-PAYMENT-RESPONSE"},
	})
	return c.Handler(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", "address", s.opts.Address)

	janitor := time.NewTicker(time.Minute)
	defer janitor.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-janitor.C:
			s.limiter.Cleanup(10 * time.Minute)
			s.sessions.Expire(time.Hour)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"endpoints": len(s.opts.Catalog.Endpoints()),
		"wallet":    s.opts.WalletAddress != "",
	})
}

func (s *Server) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	type endpointView struct {
		registry.FunctionSignature
		EstimatedCost string              `json:"estimatedCost"`
		ProxyRoute    string              `json:"proxyRoute"`
		Method        string              `json:"method"`
		ResultKind    registry.ResultKind `json:"resultKind,omitempty"`
	}
	endpoints := s.opts.Catalog.Endpoints()
	signatures := s.opts.Catalog.FunctionSignatures()
	bySig := make(map[string]registry.FunctionSignature, len(signatures))
	for _, sig := range signatures {
		bySig[sig.Name] = sig
	}
	views := make([]endpointView, 0, len(endpoints))
	for _, ep := range endpoints {
		views = append(views, endpointView{
			FunctionSignature: bySig[ep.ID],
			EstimatedCost:     ep.EstimatedCost,
			ProxyRoute:        proxyPrefix + ep.ID,
			Method:            ep.Method,
			ResultKind:        ep.ResultKind,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": views})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	body := map[string]string{"error": message}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "服务已关闭", "")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
