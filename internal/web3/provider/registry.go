package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"X402-Agent/internal/web3"
	"X402-Agent/internal/web3/ethereum"
)

// Dialer constructs a chain client for one network definition.
type Dialer func(ctx context.Context, name string, def web3.NetworkDefinition) (web3.Client, error)

// DialEthereum is the default Dialer backed by go-ethereum's ethclient.
func DialEthereum(ctx context.Context, name string, def web3.NetworkDefinition) (web3.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
}

// Option customises a Registry.
type Option func(*Registry)

// WithDialer replaces the client constructor.
func WithDialer(d Dialer) Option {
	return func(r *Registry) {
		if d != nil {
			r.dial = d
		}
	}
}

// Registry manages chain clients keyed by x402 network name.
type Registry struct {
	defs    web3.NetworkDefinitions
	clients map[string]web3.Client
	dial    Dialer
}

// NewRegistry dials every network that has an RPC URL. Networks without one
// are known (for chain ids and explorer links) but cannot be queried.
func NewRegistry(ctx context.Context, defs web3.NetworkDefinitions, opts ...Option) (*Registry, error) {
	r := &Registry{defs: defs, clients: make(map[string]web3.Client), dial: DialEthereum}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	for _, name := range defs.Names() {
		def := defs.Networks[name]
		if strings.TrimSpace(def.RPCURL) == "" {
			continue
		}
		client, err := r.dial(ctx, name, def)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化网络 %s 失败: %w", name, err)
		}
		r.clients[name] = client
	}
	return r, nil
}

// Definitions returns the network metadata the registry was built from.
func (r *Registry) Definitions() web3.NetworkDefinitions {
	if r == nil {
		return web3.DefaultNetworks()
	}
	return r.defs
}

// Client returns the chain client for network.
func (r *Registry) Client(network string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[strings.ToLower(strings.TrimSpace(network))]
	return client, ok
}

// Verify looks up the settlement transaction on network.
func (r *Registry) Verify(ctx context.Context, network, txHash string) (web3.Receipt, error) {
	client, ok := r.Client(network)
	if !ok {
		return web3.Receipt{}, fmt.Errorf("网络 %s 未配置 RPC", network)
	}
	return client.TransactionStatus(ctx, txHash)
}

// AssetBalance reads owner's balance of the network's payment asset.
func (r *Registry) AssetBalance(ctx context.Context, network, owner string) (*big.Int, web3.NetworkDefinition, error) {
	def, ok := r.Definitions().Lookup(network)
	if !ok {
		return nil, web3.NetworkDefinition{}, fmt.Errorf("未知网络 %s", network)
	}
	if def.Asset == "" {
		return nil, def, errors.New("网络未配置支付资产地址")
	}
	client, ok := r.Client(network)
	if !ok {
		return nil, def, fmt.Errorf("网络 %s 未配置 RPC", network)
	}
	balance, err := client.TokenBalance(ctx, def.Asset, owner)
	return balance, def, err
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Networks returns the names of networks with a live client.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
