// Package app assembles the long-lived components shared by the daemon and
// the interactive CLI from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"X402-Agent/internal/auth"
	"X402-Agent/internal/budget"
	"X402-Agent/internal/config"
	"X402-Agent/internal/conversation"
	"X402-Agent/internal/dispatch"
	"X402-Agent/internal/ledger"
	"X402-Agent/internal/llm"
	"X402-Agent/internal/llm/openai"
	"X402-Agent/internal/observability/alerting"
	"X402-Agent/internal/registry"
	"X402-Agent/internal/wallet"
	"X402-Agent/internal/web3"
	"X402-Agent/internal/web3/provider"
	"X402-Agent/internal/x402"
	"X402-Agent/pkg/logger"
)

// SpendBudget is a cumulative budget that can also report its state.
type SpendBudget interface {
	x402.Budget
	Snapshot(ctx context.Context) (budget.Snapshot, error)
}

// App holds the wired components. Fields are nil when the matching feature
// is disabled in configuration.
type App struct {
	Config       *config.Config
	Catalog      *registry.Registry
	Dispatcher   *dispatch.Dispatcher
	Oracle       llm.Oracle
	Networks     web3.NetworkDefinitions
	Chains       *provider.Registry
	Signer       *wallet.LocalSigner
	Budget       SpendBudget
	Ledger       *ledger.Recorder
	Alerts       *alerting.FanoutDispatcher
	Orchestrator *conversation.Orchestrator

	log     *slog.Logger
	closers []func() error
}

// Build wires every component. The catalog must load; a missing wallet key
// leaves Signer nil so paid calls fail with a clear message instead.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, log: logger.Named("app")}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	a.Catalog = registry.New()
	endpoints, err := a.Catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	a.log.Info("付费接口目录已加载", "path", cfg.Catalog.Path, "endpoints", len(endpoints))
	a.Dispatcher = dispatch.New(a.Catalog)

	if a.Oracle, err = NewOracle(cfg.LLM); err != nil {
		return err
	}

	if a.Networks, err = web3.LoadNetworkDefinitions(cfg.Web3.NetworksPath); err != nil {
		return err
	}
	if a.Chains, err = provider.NewRegistry(ctx, a.Networks); err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { a.Chains.Close(); return nil })

	if key := cfg.Web3.WalletKey(); key != "" {
		if a.Signer, err = wallet.NewLocalSigner(key, a.Networks); err != nil {
			return err
		}
		a.log.Info("服务端钱包已就绪", "address", a.Signer.Address())
	} else {
		a.log.Warn("未配置钱包私钥，付费调用将不可用", "env", cfg.Web3.WalletKeyEnv)
	}

	if a.Budget, err = NewBudget(ctx, cfg.Payment); err != nil {
		return err
	}
	if closer, ok := a.Budget.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	if a.Ledger, err = NewLedger(ctx, cfg.Ledger, a.Chains, a.Networks); err != nil {
		return err
	}
	a.closers = append(a.closers, a.Ledger.Close)

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerts")}}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}})
	}
	a.Alerts = alerting.NewFanout(notifiers...)

	opts := []conversation.Option{
		conversation.WithRecorder(a.Ledger),
		conversation.WithAlerts(a.Alerts),
		conversation.WithTimeouts(
			time.Duration(cfg.LLM.DecideTimeoutSeconds)*time.Second,
			time.Duration(cfg.LLM.SummaryTimeoutSeconds)*time.Second,
		),
	}
	if prompt := strings.TrimSpace(cfg.LLM.SystemPrompt); prompt != "" {
		opts = append(opts, conversation.WithSystemPrompt(prompt))
	}
	a.Orchestrator = conversation.New(a.Catalog, a.Dispatcher, a.Oracle, opts...)
	return nil
}

// NewExecutor returns a payment client for one conversation, or nil when no
// wallet is configured. The untyped nil lets the orchestrator report the
// wallet as not ready.
func (a *App) NewExecutor() conversation.Executor {
	if a.Signer == nil {
		return nil
	}
	p := a.Config.Payment
	opts := []x402.Option{x402.WithAuditLogger(logger.Audit())}
	if a.Budget != nil {
		opts = append(opts, x402.WithBudget(a.Budget))
	}
	client, err := x402.NewClient(x402.Config{
		MaxPayment:     p.MaxPayment,
		Decimals:       p.Decimals,
		Currency:       p.Currency,
		Networks:       a.Networks.Names(),
		InitialTimeout: p.InitialTimeout(),
		RetryTimeout:   p.RetryTimeout(),
		MaxBodyBytes:   p.MaxBodyBytes,
	}, a.Signer, opts...)
	if err != nil {
		a.log.Error("创建支付客户端失败", "error", err)
		return nil
	}
	return client
}

// WalletAddress returns the signer address or an empty string.
func (a *App) WalletAddress() string {
	if a.Signer == nil {
		return ""
	}
	return a.Signer.Address()
}

// Close releases resources in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewOracle builds the configured model client.
func NewOracle(cfg config.LLMConfig) (llm.Oracle, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.OpenAI.APIKey)
		if apiKey == "" && cfg.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Timeout:     time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second,
			Temperature: cfg.OpenAI.Temperature,
			MaxTokens:   cfg.OpenAI.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
}

// NewBudget returns nil when the driver is none.
func NewBudget(ctx context.Context, cfg config.PaymentConfig) (SpendBudget, error) {
	driver := strings.ToLower(cfg.Budget.Driver)
	if driver == "" || driver == "none" {
		return nil, nil
	}
	limit, err := x402.ParseAmount(cfg.Budget.Limit, cfg.Decimals)
	if err != nil {
		return nil, fmt.Errorf("解析预算上限失败: %w", err)
	}
	switch driver {
	case "memory":
		return budget.NewMemoryBudget(limit, cfg.Budget.Window()), nil
	case "redis":
		b, err := budget.NewRedisBudget(ctx, budget.RedisConfig{
			Address:  cfg.Budget.RedisAddress,
			Password: cfg.Budget.RedisPassword,
			DB:       cfg.Budget.RedisDB,
			Key:      cfg.Budget.RedisKey,
			Window:   cfg.Budget.Window(),
		}, new(big.Int).Set(limit))
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("未知的预算驱动: %s", cfg.Budget.Driver)
	}
}

// NewLedger builds the repository, optional publisher and on-chain verifier.
func NewLedger(ctx context.Context, cfg config.LedgerConfig, verifier ledger.Verifier, networks web3.NetworkDefinitions) (*ledger.Recorder, error) {
	var repo ledger.Repository
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		mem, err := ledger.NewMemoryRepository(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		repo = mem
	case "sqlite", "mysql":
		sqlRepo, err := ledger.NewSQLRepository(ctx, ledger.SQLConfig{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSecond) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		repo = sqlRepo
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Driver)
	}

	opts := []ledger.Option{ledger.WithExplorer(networks.ExplorerURL)}
	switch strings.ToLower(cfg.Publisher.Driver) {
	case "", "none":
	case "redis":
		pub, err := ledger.NewRedisPublisher(ctx, ledger.RedisPublisherConfig{
			Address:  cfg.Publisher.RedisAddress,
			Password: cfg.Publisher.RedisPassword,
			DB:       cfg.Publisher.RedisDB,
			List:     cfg.Publisher.RedisList,
			Channel:  cfg.Publisher.RedisChannel,
		})
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
		opts = append(opts, ledger.WithPublisher(pub))
	case "rabbitmq":
		pub, err := ledger.NewRabbitMQPublisher(ledger.RabbitMQPublisherConfig{
			URL:     cfg.Publisher.RabbitURL,
			Queue:   cfg.Publisher.RabbitQueue,
			Durable: true,
		})
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
		opts = append(opts, ledger.WithPublisher(pub))
	default:
		_ = repo.Close()
		return nil, fmt.Errorf("未知的事件发布驱动: %s", cfg.Publisher.Driver)
	}
	if cfg.Verify.Enabled && verifier != nil {
		opts = append(opts, ledger.WithVerifier(verifier, cfg.Verify.Attempts,
			time.Duration(cfg.Verify.IntervalSeconds)*time.Second))
	}
	return ledger.NewRecorder(repo, opts...), nil
}

// AuthConfig converts the file configuration into auth.Config.
func AuthConfig(cfg config.AuthConfig) auth.Config {
	tokens := make([]auth.StaticToken, 0, len(cfg.Static))
	for _, t := range cfg.Static {
		tokens = append(tokens, auth.StaticToken{Token: t.Token, Subject: t.Subject, Scopes: t.Scopes})
	}
	return auth.Config{
		Mode:   auth.Mode(cfg.Mode),
		Static: auth.StaticOptions{Tokens: tokens},
		JWT:    auth.JWTOptions{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer, Audience: cfg.JWT.Audience},
		OAuth: auth.OAuthOptions{
			IntrospectionURL: cfg.OAuth.IntrospectionURL,
			ClientID:         cfg.OAuth.ClientID,
			ClientSecret:     cfg.OAuth.ClientSecret,
			TimeoutSeconds:   cfg.OAuth.TimeoutSeconds,
			UsernameClaim:    cfg.OAuth.UsernameClaim,
		},
	}
}

// LoggerConfig converts the file configuration into logger.Config.
func LoggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		RedactKeys:  cfg.RedactKeys,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		},
	}
}
