package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"X402-Agent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

var erc20 = mustParseABI(erc20BalanceABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Backend is the subset of ethclient.Client the settlement checks use. The
// go-ethereum simulated backend satisfies it as well.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Client implements web3.Client for EVM chains.
type Client struct {
	name    string
	notes   string
	backend Backend
	eth     *ethclient.Client
	mu      sync.Mutex
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接节点 %s 失败: %w", cfg.Name, err)
	}
	return &Client{name: cfg.Name, notes: cfg.Notes, backend: eth, eth: eth}, nil
}

// NewBackendClient wraps an existing backend, typically a simulated chain.
func NewBackendClient(name string, backend Backend) *Client {
	return &Client{name: name, notes: "custom backend", backend: backend}
}

// Name returns the network name the client was created for.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.backend = nil
}

func (c *Client) chain() (Backend, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, errors.New("客户端已关闭")
	}
	return c.backend, nil
}

// ChainID returns the chain id reported by the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	backend, err := c.chain()
	if err != nil {
		return nil, err
	}
	id, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	return id, nil
}

// TransactionStatus reports whether a settlement transaction has been mined
// and whether it succeeded. Unknown hashes are reported as pending.
func (c *Client) TransactionStatus(ctx context.Context, txHash string) (web3.Receipt, error) {
	backend, err := c.chain()
	if err != nil {
		return web3.Receipt{}, err
	}
	txHash = strings.TrimSpace(txHash)
	if !strings.HasPrefix(txHash, "0x") || len(txHash) != 66 {
		return web3.Receipt{}, fmt.Errorf("无效的交易哈希: %q", txHash)
	}
	hash := common.HexToHash(txHash)
	receipt, err := backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return web3.Receipt{TxHash: hash.Hex(), Status: web3.ReceiptPending}, nil
	}
	if err != nil {
		return web3.Receipt{}, fmt.Errorf("查询交易回执失败: %w", err)
	}
	status := web3.ReceiptReverted
	if receipt.Status == coretypes.ReceiptStatusSuccessful {
		status = web3.ReceiptSuccess
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return web3.Receipt{
		TxHash:      hash.Hex(),
		Status:      status,
		BlockNumber: block,
		GasUsed:     receipt.GasUsed,
	}, nil
}

// TokenBalance reads an ERC-20 balanceOf for owner.
func (c *Client) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	backend, err := c.chain()
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(token) || !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("无效的地址: token=%q owner=%q", token, owner)
	}
	input, err := erc20.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 调用失败: %w", err)
	}
	tokenAddr := common.HexToAddress(token)
	output, err := backend.CallContract(ctx, gethcore.CallMsg{To: &tokenAddr, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 balanceOf 失败: %w", err)
	}
	values, err := erc20.Unpack("balanceOf", output)
	if err != nil {
		return nil, fmt.Errorf("解析 balanceOf 结果失败: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回了意外的类型 %T", values[0])
	}
	return balance, nil
}

// NativeBalance reads the native coin balance of owner.
func (c *Client) NativeBalance(ctx context.Context, owner string) (*big.Int, error) {
	backend, err := c.chain()
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("无效的地址: %q", owner)
	}
	balance, err := backend.BalanceAt(ctx, common.HexToAddress(owner), nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}
