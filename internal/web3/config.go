package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkDefinitions models the structure of configs/networks.yaml.
type NetworkDefinitions struct {
	Networks map[string]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition describes one x402 settlement network.
type NetworkDefinition struct {
	ChainID       int64  `yaml:"chain_id"`
	RPCURL        string `yaml:"rpc_url"`
	Asset         string `yaml:"asset"`
	AssetName     string `yaml:"asset_name"`
	AssetVersion  string `yaml:"asset_version"`
	AssetDecimals int    `yaml:"asset_decimals"`
	ExplorerURL   string `yaml:"explorer_url"`
	Description   string `yaml:"description"`
}

// DefaultNetworks returns the built-in Base mainnet and Base Sepolia entries.
func DefaultNetworks() NetworkDefinitions {
	return NetworkDefinitions{Networks: map[string]NetworkDefinition{
		"base": {
			ChainID:       8453,
			Asset:         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			AssetName:     "USD Coin",
			AssetVersion:  "2",
			AssetDecimals: 6,
			ExplorerURL:   "https://basescan.org/tx/",
			Description:   "Base mainnet",
		},
		"base-sepolia": {
			ChainID:       84532,
			Asset:         "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			AssetName:     "USDC",
			AssetVersion:  "2",
			AssetDecimals: 6,
			ExplorerURL:   "https://sepolia.basescan.org/tx/",
			Description:   "Base Sepolia testnet",
		},
	}}
}

// LoadNetworkDefinitions parses the YAML network file and layers it over the
// built-in defaults. An empty path yields the defaults.
func LoadNetworkDefinitions(path string) (NetworkDefinitions, error) {
	defs := DefaultNetworks()
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, fmt.Errorf("读取网络配置失败: %w", err)
	}

	var parsed NetworkDefinitions
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return NetworkDefinitions{}, fmt.Errorf("解析网络配置失败: %w", err)
	}
	for name, def := range parsed.Networks {
		name = strings.ToLower(strings.TrimSpace(name))
		if def.ChainID <= 0 {
			return NetworkDefinitions{}, fmt.Errorf("网络 %s 的 chain_id 必须为正数", name)
		}
		if base, ok := defs.Networks[name]; ok {
			def = mergeDefinition(base, def)
		}
		if def.AssetDecimals <= 0 {
			def.AssetDecimals = 6
		}
		defs.Networks[name] = def
	}
	return defs, nil
}

func mergeDefinition(base, override NetworkDefinition) NetworkDefinition {
	if override.RPCURL == "" {
		override.RPCURL = base.RPCURL
	}
	if override.Asset == "" {
		override.Asset = base.Asset
	}
	if override.AssetName == "" {
		override.AssetName = base.AssetName
	}
	if override.AssetVersion == "" {
		override.AssetVersion = base.AssetVersion
	}
	if override.AssetDecimals == 0 {
		override.AssetDecimals = base.AssetDecimals
	}
	if override.ExplorerURL == "" {
		override.ExplorerURL = base.ExplorerURL
	}
	if override.Description == "" {
		override.Description = base.Description
	}
	return override
}

// Lookup returns the definition for network, case-insensitively.
func (d NetworkDefinitions) Lookup(network string) (NetworkDefinition, bool) {
	def, ok := d.Networks[strings.ToLower(strings.TrimSpace(network))]
	return def, ok
}

// ChainIDs maps network names to EVM chain ids.
func (d NetworkDefinitions) ChainIDs() map[string]int64 {
	ids := make(map[string]int64, len(d.Networks))
	for name, def := range d.Networks {
		ids[name] = def.ChainID
	}
	return ids
}

// Names returns the configured network names in sorted order.
func (d NetworkDefinitions) Names() []string {
	names := make([]string, 0, len(d.Networks))
	for name := range d.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExplorerURL links a settlement transaction on the network's block explorer.
// Unknown networks fall back to Base mainnet.
func (d NetworkDefinitions) ExplorerURL(network, txHash string) string {
	if strings.TrimSpace(txHash) == "" {
		return ""
	}
	prefix := "https://basescan.org/tx/"
	if def, ok := d.Lookup(network); ok && def.ExplorerURL != "" {
		prefix = def.ExplorerURL
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + txHash
}
