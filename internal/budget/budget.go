// Package budget enforces a cumulative spend limit across paid calls. It sits
// behind the per-call ceiling of the x402 client: the ceiling bounds one
// payment, the budget bounds their sum over a rolling window.
package budget

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/x402"
)

// Snapshot reports current budget usage in atomic units.
type Snapshot struct {
	Limit       *big.Int
	Spent       *big.Int
	WindowStart time.Time
	Window      time.Duration
}

// Remaining returns how much can still be reserved.
func (s Snapshot) Remaining() *big.Int {
	if s.Limit == nil {
		return big.NewInt(0)
	}
	left := new(big.Int).Sub(s.Limit, s.Spent)
	if left.Sign() < 0 {
		return big.NewInt(0)
	}
	return left
}

func exceeded(amount, spent, limit *big.Int) error {
	return xerrors.New(x402.CodeBudgetExceeded,
		fmt.Sprintf("payment of %s would exceed the spend budget (%s of %s already used)",
			amount.String(), spent.String(), limit.String()),
		xerrors.WithMetadata("limit", limit.String()),
		xerrors.WithMetadata("spent", spent.String()))
}

// MemoryBudget keeps the running total in process memory.
type MemoryBudget struct {
	mu          sync.Mutex
	limit       *big.Int
	spent       *big.Int
	window      time.Duration
	windowStart time.Time
	now         func() time.Time
}

var _ x402.Budget = (*MemoryBudget)(nil)

// NewMemoryBudget creates a budget of limit atomic units. A zero window never
// resets.
func NewMemoryBudget(limit *big.Int, window time.Duration) *MemoryBudget {
	b := &MemoryBudget{
		limit:  new(big.Int).Set(limit),
		spent:  big.NewInt(0),
		window: window,
		now:    time.Now,
	}
	b.windowStart = b.now()
	return b
}

func (b *MemoryBudget) rollLocked() {
	if b.window <= 0 {
		return
	}
	if now := b.now(); now.Sub(b.windowStart) >= b.window {
		b.spent.SetInt64(0)
		b.windowStart = now
	}
}

// Reserve implements x402.Budget.
func (b *MemoryBudget) Reserve(ctx context.Context, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	next := new(big.Int).Add(b.spent, amount)
	if next.Cmp(b.limit) > 0 {
		return exceeded(amount, b.spent, b.limit)
	}
	b.spent = next
	return nil
}

// Refund implements x402.Budget.
func (b *MemoryBudget) Refund(_ context.Context, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spent.Sub(b.spent, amount)
	if b.spent.Sign() < 0 {
		b.spent.SetInt64(0)
	}
	return nil
}

// Snapshot returns the current usage.
func (b *MemoryBudget) Snapshot(context.Context) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return Snapshot{
		Limit:       new(big.Int).Set(b.limit),
		Spent:       new(big.Int).Set(b.spent),
		WindowStart: b.windowStart,
		Window:      b.window,
	}, nil
}
