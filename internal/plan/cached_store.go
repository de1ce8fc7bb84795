package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedStore fronts another Store with an in-process cache and a shared
// Redis cache. Misses fall through to the backing store.
type CachedStore struct {
	next   Store
	local  *gocache.Cache
	redis  redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedStore caches subscriptions for ttl in Redis and ttl/10 locally.
// rdb may be nil, leaving only the local layer.
func NewCachedStore(next Store, rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CachedStore {
	localTTL := ttl / 10
	if localTTL < time.Second {
		localTTL = time.Second
	}
	return &CachedStore{
		next:   next,
		local:  gocache.New(localTTL, 2*localTTL),
		redis:  rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func cacheKey(tenantID string) string {
	return fmt.Sprintf("plan:tenant:%s", tenantID)
}

func (s *CachedStore) GetSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	key := cacheKey(tenantID)
	if v, ok := s.local.Get(key); ok {
		sub := v.(Subscription)
		return &sub, nil
	}

	if s.redis != nil {
		var sub Subscription
		err := s.redis.Get(ctx, key).Scan(&sub)
		if err == nil {
			s.local.SetDefault(key, sub)
			return &sub, nil
		}
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("plan cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}

	sub, err := s.next.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	s.local.SetDefault(key, *sub)
	if s.redis != nil {
		if err := s.redis.Set(ctx, key, sub, s.ttl).Err(); err != nil {
			s.logger.Warn("plan cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return sub, nil
}

// Invalidate drops tenantID from both cache layers.
func (s *CachedStore) Invalidate(ctx context.Context, tenantID string) error {
	key := cacheKey(tenantID)
	s.local.Delete(key)
	if s.redis == nil {
		return nil
	}
	return s.redis.Del(ctx, key).Err()
}
