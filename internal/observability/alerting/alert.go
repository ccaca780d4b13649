package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的支付事件。
type Event struct {
	Code           xerrors.Code
	Message        string
	Severity       xerrors.Severity
	ConversationID string
	EndpointID     string
	Amount         string
	Network        string
	TxHash         string
	Metadata       map[string]string
	OccurredAt     time.Time
}

// EventFromError 根据错误码属性构建告警事件。
func EventFromError(err error, conversationID, endpointID string) Event {
	meta := xerrors.MetadataOf(err)
	event := Event{
		Code:           xerrors.CodeOf(err),
		Message:        err.Error(),
		Severity:       xerrors.SeverityOf(err),
		ConversationID: conversationID,
		EndpointID:     endpointID,
		Metadata:       meta,
		OccurredAt:     time.Now(),
	}
	if meta != nil {
		event.Amount = meta["amount"]
		event.Network = meta["network"]
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条 payment_alert 审计事件。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := logger.Audit()
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	l.Error("payment_alert",
		"code", string(event.Code),
		"severity", string(event.Severity),
		"conversation_id", event.ConversationID,
		"endpoint", event.EndpointID,
		"amount", event.Amount,
		"network", event.Network,
		"tx_hash", event.TxHash,
		"message", event.Message,
	)
	return nil
}

// WebhookNotifier 以 JSON POST 发送告警，text 字段兼容 Slack incoming webhook。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 webhook 请求。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"text":  formatText(event),
		"event": event,
	})
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("告警 webhook 返回状态 %d", resp.StatusCode)
	}
	return nil
}

func formatText(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*[%s]* %s - %s", event.Severity, event.Code, event.Message)
	if event.EndpointID != "" {
		fmt.Fprintf(&b, "\nendpoint: %s", event.EndpointID)
	}
	if event.Amount != "" {
		fmt.Fprintf(&b, "\namount: %s on %s", event.Amount, event.Network)
	}
	if event.TxHash != "" {
		fmt.Fprintf(&b, "\ntx: %s", event.TxHash)
	}
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
	}
	return b.String()
}
