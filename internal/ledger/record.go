// Package ledger keeps a durable record of every settled (or possibly
// settled) x402 payment, publishes settlement events to downstream
// consumers and optionally confirms settlements on chain.
package ledger

import (
	"context"
	"errors"
)

// Status 描述一笔支付记录的状态。
type Status string

const (
	StatusSettled  Status = "settled"
	StatusAtRisk   Status = "at_risk"
	StatusVerified Status = "verified"
	StatusReverted Status = "reverted"
)

// Record 表示一笔支付的落库结构。
type Record struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId,omitempty"`
	EndpointID     string `json:"endpointId"`
	EndpointName   string `json:"endpointName,omitempty"`
	TxHash         string `json:"txHash,omitempty"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Network        string `json:"network"`
	Payer          string `json:"payer,omitempty"`
	ExplorerURL    string `json:"explorerUrl,omitempty"`
	Status         Status `json:"status"`
	Detail         string `json:"detail,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("支付记录不存在")

// Repository 抽象支付记录的持久化接口。
type Repository interface {
	Save(ctx context.Context, record Record) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	ListLatest(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Publisher 将支付事件投递给下游消费者。
type Publisher interface {
	Publish(ctx context.Context, record Record) error
	Close() error
}
