// Package ratelimit throttles tenants by tokens per minute. It guards request
// rate only; period entitlements are the quota ledger's job.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter
type Limiter struct {
	store extratelimit.Limiter
}

// NewLimiter shares a sliding one-minute window per tenant across replicas.
func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(tenantID string) string {
	return fmt.Sprintf("ratelimit:tpm:%s", tenantID)
}

// Allow spends tokens from the tenant's window. A non-positive count is
// charged as a single token.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tokens int) (bool, error) {
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, key(tenantID), tokens)
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", tenantID, err)
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(tenantID))
}
