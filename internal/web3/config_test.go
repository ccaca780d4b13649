package web3

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadNetworkDefinitionsMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	content := []byte(`networks:
  base:
    chain_id: 8453
    rpc_url: https://rpc.example
  polygon-amoy:
    chain_id: 80002
    explorer_url: https://amoy.polygonscan.com/tx
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := LoadNetworkDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base, ok := defs.Lookup("BASE")
	if !ok || base.RPCURL != "https://rpc.example" || base.Asset == "" {
		t.Fatalf("base should keep default asset and take rpc override: %+v", base)
	}
	if defs.ChainIDs()["base-sepolia"] != 84532 {
		t.Fatalf("defaults should survive: %v", defs.ChainIDs())
	}
	if got := defs.ExplorerURL("polygon-amoy", "0x1"); got != "https://amoy.polygonscan.com/tx/0x1" {
		t.Fatalf("unexpected explorer url %q", got)
	}
	if got := defs.ExplorerURL("unknown", "0x2"); got != "https://basescan.org/tx/0x2" {
		t.Fatalf("unknown network should fall back to basescan, got %q", got)
	}
	if defs.ExplorerURL("base", "") != "" {
		t.Fatal("empty hash should yield no link")
	}
}

func TestLoadNetworkDefinitionsRejectsBadChainID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	if err := os.WriteFile(path, []byte("networks:\n  broken:\n    rpc_url: x\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadNetworkDefinitions(path); err == nil {
		t.Fatal("expected error for missing chain_id")
	}
}
