package budget

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"X402-Agent/internal/x402"

	"github.com/redis/go-redis/v9"
)

// reserveScript adds ARGV[1] to the counter unless that would pass ARGV[2].
// It returns the new total, or -1 with the counter untouched.
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + amount > limit then
  return -1
end
local total = redis.call("INCRBY", KEYS[1], amount)
if tonumber(ARGV[3]) > 0 and redis.call("TTL", KEYS[1]) < 0 then
  redis.call("EXPIRE", KEYS[1], ARGV[3])
end
return total
`)

// RedisConfig 描述共享预算的 Redis 连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	Window   time.Duration
}

// RedisBudget shares one spend counter between processes.
type RedisBudget struct {
	client *redis.Client
	key    string
	limit  *big.Int
	window time.Duration
}

var _ x402.Budget = (*RedisBudget)(nil)

// NewRedisBudget connects to Redis and verifies the connection.
func NewRedisBudget(ctx context.Context, cfg RedisConfig, limit *big.Int) (*RedisBudget, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	if limit == nil || !limit.IsInt64() {
		return nil, errors.New("预算上限必须是 int64 范围内的整数")
	}
	key := cfg.Key
	if key == "" {
		key = "x402:budget:spent"
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
	return &RedisBudget{client: client, key: key, limit: new(big.Int).Set(limit), window: cfg.Window}, nil
}

// Reserve implements x402.Budget.
func (b *RedisBudget) Reserve(ctx context.Context, amount *big.Int) error {
	if !amount.IsInt64() {
		return exceeded(amount, big.NewInt(0), b.limit)
	}
	total, err := reserveScript.Run(ctx, b.client, []string{b.key},
		amount.Int64(), b.limit.Int64(), int64(b.window/time.Second)).Int64()
	if err != nil {
		return fmt.Errorf("Redis 预算预留失败: %w", err)
	}
	if total < 0 {
		spent, _ := b.client.Get(ctx, b.key).Int64()
		return exceeded(amount, big.NewInt(spent), b.limit)
	}
	return nil
}

// Refund implements x402.Budget.
func (b *RedisBudget) Refund(ctx context.Context, amount *big.Int) error {
	if err := b.client.DecrBy(ctx, b.key, amount.Int64()).Err(); err != nil {
		return fmt.Errorf("Redis 预算退还失败: %w", err)
	}
	return nil
}

// Snapshot returns the shared usage.
func (b *RedisBudget) Snapshot(ctx context.Context) (Snapshot, error) {
	spent, err := b.client.Get(ctx, b.key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("Redis 读取预算失败: %w", err)
	}
	snap := Snapshot{Limit: new(big.Int).Set(b.limit), Spent: big.NewInt(spent), Window: b.window}
	if b.window > 0 {
		if ttl, err := b.client.TTL(ctx, b.key).Result(); err == nil && ttl > 0 {
			snap.WindowStart = time.Now().Add(ttl - b.window)
		}
	}
	return snap, nil
}

// Close 关闭 Redis 连接。
func (b *RedisBudget) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
