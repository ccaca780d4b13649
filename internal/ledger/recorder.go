package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"X402-Agent/internal/web3"
	"X402-Agent/pkg/logger"

	"github.com/google/uuid"
)

// Verifier 在链上确认结算交易。
type Verifier interface {
	Verify(ctx context.Context, network, txHash string) (web3.Receipt, error)
}

// Entry 是写入账本前的一笔支付。
type Entry struct {
	ConversationID string
	EndpointID     string
	EndpointName   string
	TxHash         string
	Amount         string
	Currency       string
	Network        string
	Payer          string
	Detail         string
	AtRisk         bool
}

// Recorder 负责落库、发布事件与链上确认。
type Recorder struct {
	repo      Repository
	publisher Publisher
	verifier  Verifier
	explorer  func(network, txHash string) string

	verifyAttempts int
	verifyInterval time.Duration

	wg  sync.WaitGroup
	log *slog.Logger
	now func() time.Time
}

// Option 定制 Recorder。
type Option func(*Recorder)

// WithPublisher 设置结算事件发布端。
func WithPublisher(p Publisher) Option {
	return func(r *Recorder) { r.publisher = p }
}

// WithVerifier 开启链上确认。
func WithVerifier(v Verifier, attempts int, interval time.Duration) Option {
	return func(r *Recorder) {
		r.verifier = v
		if attempts > 0 {
			r.verifyAttempts = attempts
		}
		if interval > 0 {
			r.verifyInterval = interval
		}
	}
}

// WithExplorer 设置区块浏览器链接生成函数。
func WithExplorer(fn func(network, txHash string) string) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.explorer = fn
		}
	}
}

// NewRecorder 创建支付记录器。
func NewRecorder(repo Repository, opts ...Option) *Recorder {
	defs := web3.DefaultNetworks()
	r := &Recorder{
		repo:           repo,
		explorer:       defs.ExplorerURL,
		verifyAttempts: 5,
		verifyInterval: 3 * time.Second,
		log:            logger.Named("ledger"),
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Record 保存一笔支付。发布或确认失败只记录日志，不影响返回。
func (r *Recorder) Record(ctx context.Context, entry Entry) (Record, error) {
	ctx = context.WithoutCancel(ctx)
	record := Record{
		ID:             uuid.NewString(),
		ConversationID: entry.ConversationID,
		EndpointID:     entry.EndpointID,
		EndpointName:   entry.EndpointName,
		TxHash:         strings.TrimSpace(entry.TxHash),
		Amount:         entry.Amount,
		Currency:       entry.Currency,
		Network:        entry.Network,
		Payer:          entry.Payer,
		Detail:         entry.Detail,
		Status:         StatusSettled,
		CreatedAt:      r.now().Unix(),
	}
	if entry.AtRisk {
		record.Status = StatusAtRisk
	}
	if record.TxHash != "" {
		record.ExplorerURL = r.explorer(record.Network, record.TxHash)
	}

	if r.repo == nil {
		return record, errors.New("未配置支付仓库")
	}
	if err := r.repo.Save(ctx, record); err != nil {
		return record, err
	}
	logger.Audit().Info("payment_recorded",
		"id", record.ID,
		"conversation_id", record.ConversationID,
		"endpoint", record.EndpointID,
		"tx_hash", record.TxHash,
		"amount", record.Amount,
		"currency", record.Currency,
		"network", record.Network,
		"status", string(record.Status),
		"explorer_url", record.ExplorerURL,
	)

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, record); err != nil {
			r.log.Warn("发布结算事件失败", "id", record.ID, "error", err)
		}
	}
	if r.verifier != nil && record.TxHash != "" && record.Status == StatusSettled {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.confirm(ctx, record)
		}()
	}
	return record, nil
}

func (r *Recorder) confirm(ctx context.Context, record Record) {
	for attempt := 0; attempt < r.verifyAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(r.verifyInterval)
		}
		receipt, err := r.verifier.Verify(ctx, record.Network, record.TxHash)
		if err != nil {
			r.log.Warn("链上确认失败", "id", record.ID, "tx_hash", record.TxHash, "error", err)
			return
		}
		var status Status
		switch receipt.Status {
		case web3.ReceiptSuccess:
			status = StatusVerified
		case web3.ReceiptReverted:
			status = StatusReverted
		default:
			continue
		}
		if err := r.repo.UpdateStatus(ctx, record.ID, status); err != nil {
			r.log.Warn("更新支付状态失败", "id", record.ID, "error", err)
			return
		}
		if status == StatusReverted {
			logger.Audit().Error("payment_reverted", "id", record.ID, "tx_hash", record.TxHash, "network", record.Network)
		}
		return
	}
	r.log.Info("结算交易仍未确认", "id", record.ID, "tx_hash", record.TxHash)
}

// Recent 返回最近的支付记录。
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Record, error) {
	if r.repo == nil {
		return nil, nil
	}
	return r.repo.ListLatest(ctx, limit)
}

// Wait 等待所有进行中的链上确认结束。
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Close 等待确认任务并释放发布端与仓库。
func (r *Recorder) Close() error {
	r.wg.Wait()
	var errs []error
	if r.publisher != nil {
		errs = append(errs, r.publisher.Close())
	}
	if r.repo != nil {
		errs = append(errs, r.repo.Close())
	}
	return errors.Join(errs...)
}
