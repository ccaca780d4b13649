package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "x402.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Catalog.Path != filepath.Join(dir, "endpoints.yaml") {
		t.Fatalf("catalog path should resolve next to the config, got %q", cfg.Catalog.Path)
	}
	if cfg.Payment.MaxPayment != "0.30" || cfg.Payment.Decimals != 6 || cfg.Payment.Currency != "USDC" {
		t.Fatalf("unexpected payment defaults %+v", cfg.Payment)
	}
	if cfg.Payment.InitialTimeout().Seconds() != 30 || cfg.Payment.RetryTimeout().Seconds() != 60 {
		t.Fatalf("unexpected timeouts %+v", cfg.Payment)
	}
	if cfg.LLM.OpenAI.APIKey != "sk-test" {
		t.Fatalf("expected api key from env")
	}
	if cfg.Ledger.Driver != "memory" || cfg.Ledger.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected ledger defaults %+v", cfg.Ledger)
	}
	if cfg.Web3.WalletKeyEnv != "X402_WALLET_KEY" || cfg.Web3.DefaultNetwork != "base" {
		t.Fatalf("unexpected web3 defaults %+v", cfg.Web3)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("X402_MAX_PAYMENT", "0.05")
	t.Setenv("X402_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("X402_RATE_LIMIT_RPS", "3")
	t.Setenv("MY_WALLET", " 0xabc ")
	path := writeConfig(t, `{"payment":{"max_payment":"1.00"},"web3":{"wallet_key_env":"MY_WALLET"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Payment.MaxPayment != "0.05" || cfg.Server.Address != "127.0.0.1:9999" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Payment, cfg.Server)
	}
	if cfg.RateLimit.RequestsPerSecond != 3 || cfg.RateLimit.Burst != 4 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Web3.WalletKey() != "0xabc" {
		t.Fatalf("unexpected wallet key %q", cfg.Web3.WalletKey())
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"ledger driver":    `{"ledger":{"driver":"mongo"}}`,
		"sql without dsn":  `{"ledger":{"driver":"mysql"}}`,
		"publisher driver": `{"ledger":{"publisher":{"driver":"kafka"}}}`,
		"budget no limit":  `{"payment":{"budget":{"driver":"memory"}}}`,
		"budget driver":    `{"payment":{"budget":{"driver":"etcd","limit":"1"}}}`,
		"llm provider":     `{"llm":{"provider":"python_bridge"}}`,
		"malformed json":   `{`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "x402.json"))
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if cfg.Ledger.Driver != "sqlite" || cfg.Payment.Budget.Driver != "memory" {
		t.Fatalf("unexpected sample config %+v", cfg.Ledger)
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("X402_CONFIG", "")
	if PathFromEnv() != DefaultPath {
		t.Fatalf("expected default path")
	}
	t.Setenv("X402_CONFIG", "/etc/x402.json")
	if PathFromEnv() != "/etc/x402.json" {
		t.Fatalf("expected env path")
	}
}
