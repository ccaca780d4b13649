package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"X402-Agent/internal/api"
	"X402-Agent/internal/app"
	"X402-Agent/internal/auth"
	"X402-Agent/internal/config"
	"X402-Agent/internal/conversation"
	"X402-Agent/internal/observability/metrics"
	"X402-Agent/pkg/logger"

	"github.com/joho/godotenv"
)

// main 是 x402 agent 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("x402d 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 不存在时忽略。
	_ = godotenv.Load()

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	logCfg := app.LoggerConfig(cfg.Logging)
	logCfg.Service = "x402d"
	if err := logger.Init(logCfg); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("x402d")

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Catalog.Watch(ctx, cfg.Catalog.Path, 0, logger.Named("registry")); err != nil {
		lg.Warn("无法监听接口目录，仅支持 SIGHUP 重载", "error", err)
	}
	go reloadOnHangup(ctx, a, cfg.Catalog.Path)

	authSvc, err := auth.NewService(app.AuthConfig(cfg.Auth))
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", "error", err)
			}
		}()
	}

	var balances api.BalanceReader
	if a.Chains != nil {
		balances = a.Chains
	}
	var spend api.BudgetReporter
	if a.Budget != nil {
		spend = a.Budget
	}

	server := api.NewServer(api.Options{
		Address:        cfg.Server.Address,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ProxyTimeout:   time.Duration(cfg.Server.ProxyTimeoutSeconds) * time.Second,
		RateLimit:      cfg.RateLimit.RequestsPerSecond,
		RateBurst:      cfg.RateLimit.Burst,
		Catalog:        a.Catalog,
		Orchestrator:   a.Orchestrator,
		Auth:           authSvc,
		Payments:       a.Ledger,
		Balances:       balances,
		Budget:         spend,
		Executors: func(*conversation.Conversation) conversation.Executor {
			return a.NewExecutor()
		},
		WalletAddress:  a.WalletAddress(),
		DefaultNetwork: cfg.Web3.DefaultNetwork,
		Decimals:       cfg.Payment.Decimals,
	})

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func reloadOnHangup(ctx context.Context, a *app.App, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			a.Catalog.Reload(path, logger.Named("registry"))
		}
	}
}
