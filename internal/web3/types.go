package web3

import (
	"context"
	"math/big"
)

// ReceiptStatus is the on-chain state of a settlement transaction.
type ReceiptStatus string

const (
	ReceiptPending  ReceiptStatus = "pending"
	ReceiptSuccess  ReceiptStatus = "success"
	ReceiptReverted ReceiptStatus = "reverted"
)

// Receipt summarises a mined (or not yet mined) transaction.
type Receipt struct {
	TxHash      string        `json:"txHash"`
	Status      ReceiptStatus `json:"status"`
	BlockNumber uint64        `json:"blockNumber,omitempty"`
	GasUsed     uint64        `json:"gasUsed,omitempty"`
}

// Client is the read-only chain access the payment pipeline needs: checking
// that a settlement landed and reading wallet balances.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionStatus(ctx context.Context, txHash string) (Receipt, error)
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)
	NativeBalance(ctx context.Context, owner string) (*big.Int, error)
	Close()
}
