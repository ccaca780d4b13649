package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// RedisPublisherConfig 描述 Redis 发布端的连接参数。
type RedisPublisherConfig struct {
	Address  string
	Password string
	DB       int
	// List 保存待消费的结算事件，Channel 同时广播给在线订阅者。
	List    string
	Channel string
}

// RedisPublisher 将结算事件写入 Redis list 并广播到 channel。
type RedisPublisher struct {
	client  *redis.Client
	list    string
	channel string
}

// NewRedisPublisher 创建 Redis 发布端。
func NewRedisPublisher(ctx context.Context, cfg RedisPublisherConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	list := cfg.List
	if list == "" {
		list = "x402:settlements"
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "x402.settlements"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisPublisher{client: client, list: list, channel: channel}, nil
}

// Publish 投递一条结算事件。
func (p *RedisPublisher) Publish(ctx context.Context, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化结算事件失败: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.list, payload)
	pipe.Publish(ctx, p.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 发布结算事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// RabbitMQPublisherConfig 描述 RabbitMQ 发布端的连接参数。
type RabbitMQPublisherConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// RabbitMQPublisher 将结算事件发布到 RabbitMQ 队列。
type RabbitMQPublisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQPublisher 创建 RabbitMQ 发布端并声明队列。
func NewRabbitMQPublisher(cfg RabbitMQPublisherConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "x402.settlements"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 投递一条结算事件。
func (p *RabbitMQPublisher) Publish(ctx context.Context, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化结算事件失败: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return errors.New("RabbitMQ channel 已关闭")
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    record.ID,
		Timestamp:    time.Unix(record.CreatedAt, 0),
		Type:         string(record.Status),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("RabbitMQ 发布结算事件失败: %w", err)
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
		p.ch = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}
