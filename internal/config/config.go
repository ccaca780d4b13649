package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultPath 是未设置 X402_CONFIG 时使用的配置文件路径。
const DefaultPath = "configs/x402.json"

// Config 描述了 x402 agent 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Catalog   CatalogConfig   `json:"catalog"`
	Payment   PaymentConfig   `json:"payment"`
	LLM       LLMConfig       `json:"llm"`
	Web3      Web3Config      `json:"web3"`
	Ledger    LedgerConfig    `json:"ledger"`
	Alerting  AlertingConfig  `json:"alerting"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
	// AllowedOrigins 为空时 CORS 允许任意来源。
	AllowedOrigins []string `json:"allowed_origins"`
	// ProxyTimeoutSeconds 是代理路由转发上游请求的超时时间。
	ProxyTimeoutSeconds int `json:"proxy_timeout_seconds"`
}

// AuthConfig 对应 auth.Config。
type AuthConfig struct {
	Mode   string            `json:"mode"`
	Static []StaticTokenSpec `json:"static_tokens"`
	JWT    JWTConfig         `json:"jwt"`
	OAuth  OAuthConfig       `json:"oauth"`
}

// StaticTokenSpec 描述一个预共享令牌。
type StaticTokenSpec struct {
	Token   string   `json:"token"`
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

// JWTConfig 描述会话令牌的校验参数。
type JWTConfig struct {
	Secret   string   `json:"secret"`
	Issuer   string   `json:"issuer"`
	Audience []string `json:"audience"`
}

// OAuthConfig 描述令牌内省接口。
type OAuthConfig struct {
	IntrospectionURL string `json:"introspection_url"`
	ClientID         string `json:"client_id"`
	ClientSecret     string `json:"client_secret"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	UsernameClaim    string `json:"username_claim"`
}

// CatalogConfig 指定付费接口目录文件。
type CatalogConfig struct {
	Path string `json:"path"`
}

// PaymentConfig 描述支付上限、超时与累计预算。
type PaymentConfig struct {
	MaxPayment            string       `json:"max_payment"`
	Decimals              int          `json:"decimals"`
	Currency              string       `json:"currency"`
	InitialTimeoutSeconds int          `json:"initial_timeout_seconds"`
	RetryTimeoutSeconds   int          `json:"retry_timeout_seconds"`
	MaxBodyBytes          int64        `json:"max_body_bytes"`
	Budget                BudgetConfig `json:"budget"`
}

// InitialTimeout 返回首次请求的超时时间。
func (p PaymentConfig) InitialTimeout() time.Duration {
	return time.Duration(p.InitialTimeoutSeconds) * time.Second
}

// RetryTimeout 返回携带支付的重试请求的超时时间。
func (p PaymentConfig) RetryTimeout() time.Duration {
	return time.Duration(p.RetryTimeoutSeconds) * time.Second
}

// BudgetConfig 描述累计支出预算。Driver 为 none、memory 或 redis。
type BudgetConfig struct {
	Driver        string `json:"driver"`
	Limit         string `json:"limit"`
	WindowSeconds int    `json:"window_seconds"`
	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisKey      string `json:"redis_key"`
}

// Window 返回预算窗口长度，0 表示不重置。
func (b BudgetConfig) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider              string       `json:"provider"`
	OpenAI                OpenAIConfig `json:"openai"`
	SystemPrompt          string       `json:"system_prompt"`
	DecideTimeoutSeconds  int          `json:"decide_timeout_seconds"`
	SummaryTimeoutSeconds int          `json:"summary_timeout_seconds"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key"`
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
}

// Web3Config 包含网络定义与钱包密钥来源。
type Web3Config struct {
	NetworksPath   string `json:"networks_path"`
	DefaultNetwork string `json:"default_network"`
	// WalletKeyEnv 指定保存钱包私钥的环境变量，私钥不写入配置文件。
	WalletKeyEnv string `json:"wallet_key_env"`
}

// WalletKey 读取钱包私钥，未设置时返回空字符串。
func (w Web3Config) WalletKey() string {
	return strings.TrimSpace(os.Getenv(w.WalletKeyEnv))
}

// LedgerConfig 描述结算账本的存储、发布与链上确认。
type LedgerConfig struct {
	Driver                string          `json:"driver"`
	DSN                   string          `json:"dsn"`
	DataDir               string          `json:"data_dir"`
	MaxOpenConns          int             `json:"max_open_conns"`
	MaxIdleConns          int             `json:"max_idle_conns"`
	ConnMaxLifetimeSecond int             `json:"conn_max_lifetime_seconds"`
	Publisher             PublisherConfig `json:"publisher"`
	Verify                VerifyConfig    `json:"verify"`
}

// PublisherConfig 描述结算事件的发布端。Driver 为 none、redis 或 rabbitmq。
type PublisherConfig struct {
	Driver        string `json:"driver"`
	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisList     string `json:"redis_list"`
	RedisChannel  string `json:"redis_channel"`
	RabbitURL     string `json:"rabbitmq_url"`
	RabbitQueue   string `json:"rabbitmq_queue"`
}

// VerifyConfig 控制链上回执确认。
type VerifyConfig struct {
	Enabled         bool `json:"enabled"`
	Attempts        int  `json:"attempts"`
	IntervalSeconds int  `json:"interval_seconds"`
}

// AlertingConfig 描述资金风险告警的渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// LoggingConfig 对应 logger.Config。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	// RedactKeys 追加需要脱敏的日志字段名。
	RedactKeys  []string    `json:"redact_keys"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 描述审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// MetricsConfig 控制独立的 Prometheus 监听地址，为空时只挂在 API 服务上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// RateLimitConfig 描述按客户端限流。
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PathFromEnv 返回 X402_CONFIG 指定的路径或默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv("X402_CONFIG")); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只依赖默认值与环境变量的配置，baseDir 用于解析相对路径。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	cfg.applyEnv()
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ProxyTimeoutSeconds <= 0 {
		c.Server.ProxyTimeoutSeconds = 60
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	c.Catalog.Path = resolve(baseDir, c.Catalog.Path, "endpoints.yaml")

	if c.Payment.MaxPayment == "" {
		c.Payment.MaxPayment = "0.30"
	}
	if c.Payment.Decimals <= 0 {
		c.Payment.Decimals = 6
	}
	if c.Payment.Currency == "" {
		c.Payment.Currency = "USDC"
	}
	if c.Payment.InitialTimeoutSeconds <= 0 {
		c.Payment.InitialTimeoutSeconds = 30
	}
	if c.Payment.RetryTimeoutSeconds <= 0 {
		c.Payment.RetryTimeoutSeconds = 60
	}
	if c.Payment.Budget.Driver == "" {
		c.Payment.Budget.Driver = "none"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.DecideTimeoutSeconds <= 0 {
		c.LLM.DecideTimeoutSeconds = 60
	}
	if c.LLM.SummaryTimeoutSeconds <= 0 {
		c.LLM.SummaryTimeoutSeconds = 60
	}

	c.Web3.NetworksPath = resolve(baseDir, c.Web3.NetworksPath, "networks.yaml")
	if c.Web3.DefaultNetwork == "" {
		c.Web3.DefaultNetwork = "base"
	}
	if c.Web3.WalletKeyEnv == "" {
		c.Web3.WalletKeyEnv = "X402_WALLET_KEY"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.DataDir == "" {
		c.Ledger.DataDir = c.Runtime.DataDir
	} else if !filepath.IsAbs(c.Ledger.DataDir) {
		c.Ledger.DataDir = filepath.Join(baseDir, c.Ledger.DataDir)
	}
	if c.Ledger.Publisher.Driver == "" {
		c.Ledger.Publisher.Driver = "none"
	}
	if c.Ledger.Verify.Attempts <= 0 {
		c.Ledger.Verify.Attempts = 5
	}
	if c.Ledger.Verify.IntervalSeconds <= 0 {
		c.Ledger.Verify.IntervalSeconds = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.RequestsPerSecond) + 1
	}
}

// applyEnv 用环境变量覆盖敏感或部署相关的字段。
func (c *Config) applyEnv() {
	if key := strings.TrimSpace(os.Getenv(c.LLM.OpenAI.APIKeyEnv)); key != "" {
		c.LLM.OpenAI.APIKey = key
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.LLM.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		c.LLM.OpenAI.Model = v
	}
	if v := os.Getenv("X402_LISTEN_ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("X402_MAX_PAYMENT"); v != "" {
		c.Payment.MaxPayment = v
	}
	if v := os.Getenv("X402_AUTH_JWT_SECRET"); v != "" {
		c.Auth.JWT.Secret = v
	}
	if v := os.Getenv("X402_LEDGER_DSN"); v != "" {
		c.Ledger.DSN = v
	}
	if v := os.Getenv("X402_ALERT_WEBHOOK"); v != "" {
		c.Alerting.WebhookURL = v
	}
	if v := os.Getenv("X402_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("X402_RATE_LIMIT_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RequestsPerSecond = rps
			if c.RateLimit.Burst <= 0 {
				c.RateLimit.Burst = int(rps) + 1
			}
		}
	}
}

// Validate 检查取值范围，具体格式由各组件在构建时校验。
func (c *Config) Validate() error {
	switch strings.ToLower(c.Ledger.Driver) {
	case "memory", "mysql", "sqlite":
	default:
		return fmt.Errorf("不支持的账本驱动: %s", c.Ledger.Driver)
	}
	if c.Ledger.Driver != "memory" && strings.TrimSpace(c.Ledger.DSN) == "" {
		return fmt.Errorf("账本驱动 %s 需要配置 dsn", c.Ledger.Driver)
	}
	switch strings.ToLower(c.Ledger.Publisher.Driver) {
	case "none", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的结算事件发布端: %s", c.Ledger.Publisher.Driver)
	}
	switch strings.ToLower(c.Payment.Budget.Driver) {
	case "none":
	case "memory", "redis":
		if strings.TrimSpace(c.Payment.Budget.Limit) == "" {
			return errors.New("启用预算时必须配置 limit")
		}
	default:
		return fmt.Errorf("不支持的预算驱动: %s", c.Payment.Budget.Driver)
	}
	if c.LLM.Provider != "openai" {
		return fmt.Errorf("不支持的大模型提供方: %s", c.LLM.Provider)
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return errors.New("rate_limit.requests_per_second 不能为负数")
	}
	return nil
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		return filepath.Join(baseDir, fallback)
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
