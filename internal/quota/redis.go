package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/query-gateway/internal/period"
	"github.com/vnmchuo/query-gateway/internal/provider"
)

// Counter hash fields. Per-provider tokens live under providerField(p).
const (
	fieldQueries = "queries"
	fieldTokens  = "tokens"
)

func providerField(p provider.ID) string { return "provider:" + string(p) }

// Reservations are stored as "<tokens>:<expires_unix_ms>[:<claimed provider>]"
// in a second hash. Both keys share a hash tag so the scripts stay
// single-slot on a cluster.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local tokens = tonumber(ARGV[3])
local qlimit = tonumber(ARGV[5])
local tlimit = tonumber(ARGV[6])

local held = redis.call('HGETALL', KEYS[2])
local rq, rt = 0, 0
for i = 1, #held, 2 do
  local t, exp = string.match(held[i+1], '^(%d+):(%d+)')
  if tonumber(exp) <= now then
    redis.call('HDEL', KEYS[2], held[i])
  else
    rq = rq + 1
    rt = rt + tonumber(t)
  end
end

local uq = tonumber(redis.call('HGET', KEYS[1], 'queries') or '0')
local ut = tonumber(redis.call('HGET', KEYS[1], 'tokens') or '0')
if qlimit >= 0 and uq + rq + 1 > qlimit then
  return {0, 'queries'}
end
if tlimit >= 0 and ut + rt + tokens > tlimit then
  return {0, 'tokens'}
end

redis.call('HSET', KEYS[2], ARGV[2], ARGV[3] .. ':' .. ARGV[4])
redis.call('HINCRBY', KEYS[1], 'queries', 0)
redis.call('PEXPIREAT', KEYS[1], ARGV[7])
redis.call('PEXPIREAT', KEYS[2], ARGV[7])
return {1, ''}
`)

var commitScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[2], ARGV[1])
if not v then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
local exp = tonumber(string.match(v, '^%d+:(%d+)'))
if exp <= tonumber(ARGV[4]) then
  return -1
end
redis.call('HINCRBY', KEYS[1], 'queries', 1)
redis.call('HINCRBY', KEYS[1], 'tokens', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'provider:' .. ARGV[2], ARGV[3])
return 1
`)

// claimScript moves a reservation's claim to ARGV[3]. ARGV[4] is the cap on
// that provider, or -1 when it is uncapped and needs no claim.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local v = redis.call('HGET', KEYS[2], ARGV[1])
if not v then
  return -1
end
local t, exp = string.match(v, '^(%d+):(%d+)')
if tonumber(exp) <= now then
  redis.call('HDEL', KEYS[2], ARGV[1])
  return -1
end
local unclaimed = t .. ':' .. exp

local cap = tonumber(ARGV[4])
if cap < 0 then
  redis.call('HSET', KEYS[2], ARGV[1], unclaimed)
  return 1
end

local held = redis.call('HGETALL', KEYS[2])
local claimed = 0
for i = 1, #held, 2 do
  if held[i] ~= ARGV[1] then
    local ht, hexp, hp = string.match(held[i+1], '^(%d+):(%d+):?(.*)$')
    if hp == ARGV[3] and tonumber(hexp) > now then
      claimed = claimed + tonumber(ht)
    end
  end
end
local used = tonumber(redis.call('HGET', KEYS[1], 'provider:' .. ARGV[3]) or '0')
if used + claimed + tonumber(t) > cap then
  redis.call('HSET', KEYS[2], ARGV[1], unclaimed)
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], unclaimed .. ':' .. ARGV[3])
return 1
`)

// RedisLedger keeps counters in Redis so every gateway replica shares them.
// Each operation is one Lua script, which Redis runs atomically.
type RedisLedger struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewRedisLedger(rdb redis.UniversalClient, ttl, retention time.Duration, logger *zap.Logger) *RedisLedger {
	return &RedisLedger{
		rdb:       rdb,
		ttl:       ttl,
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
}

func redisKeys(tenantID, periodID string) []string {
	base := fmt.Sprintf("quota:{%s:%s}", tenantID, periodID)
	return []string{base, base + ":reservations"}
}

func (l *RedisLedger) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	if err := validTokens(req.EstimatedTokens); err != nil {
		return nil, err
	}
	now := l.now()
	if req.Period.Closed(now) {
		return nil, ErrPeriodClosed
	}

	r := &Reservation{
		ID:             uuid.New().String(),
		TenantID:       req.Period.TenantID,
		PeriodID:       req.Period.ID(),
		Tokens:         req.EstimatedTokens,
		ExpiresAt:      now.Add(l.ttl),
		providerLimits: copyLimits(req.Limits.ProviderTokens),
	}

	res, err := reserveScript.Run(ctx, l.rdb, redisKeys(r.TenantID, r.PeriodID),
		now.UnixMilli(),
		r.ID,
		r.Tokens,
		r.ExpiresAt.UnixMilli(),
		req.Limits.Queries,
		req.Limits.Tokens,
		req.Period.End.Add(l.retention).UnixMilli(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}

	if admitted, _ := res[0].(int64); admitted != 1 {
		dim, _ := res[1].(string)
		limit := req.Limits.Tokens
		if dim == "queries" {
			limit = req.Limits.Queries
		}
		return nil, &ExceededError{TenantID: r.TenantID, Dimension: dim, Limit: limit}
	}
	return r, nil
}

func (l *RedisLedger) Commit(ctx context.Context, r *Reservation, p provider.ID, actualTokens int64) error {
	if err := validTokens(actualTokens); err != nil {
		return err
	}
	n, err := commitScript.Run(ctx, l.rdb, redisKeys(r.TenantID, r.PeriodID),
		r.ID, string(p), actualTokens, l.now().UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	switch n {
	case 1:
		return nil
	case -1:
		l.logger.Error("reservation expired before settlement",
			zap.String("tenant_id", r.TenantID),
			zap.String("period_id", r.PeriodID),
			zap.String("reservation_id", r.ID),
		)
	}
	return ErrUnknownReservation
}

func (l *RedisLedger) Release(ctx context.Context, r *Reservation) error {
	if err := l.rdb.HDel(ctx, redisKeys(r.TenantID, r.PeriodID)[1], r.ID).Err(); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

func (l *RedisLedger) ClaimProvider(ctx context.Context, r *Reservation, p provider.ID) (bool, error) {
	limit, capped := r.providerLimits[p]
	if !capped {
		limit = Unlimited
	}
	n, err := claimScript.Run(ctx, l.rdb, redisKeys(r.TenantID, r.PeriodID),
		r.ID, l.now().UnixMilli(), string(p), limit,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("claim provider: %w", err)
	}
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, nil
	}
	return false, ErrUnknownReservation
}

func (l *RedisLedger) Usage(ctx context.Context, tenantID string, per period.Period) (*Usage, error) {
	keys := redisKeys(tenantID, per.ID())
	u := &Usage{
		TenantID:          tenantID,
		PeriodID:          per.ID(),
		PeriodStart:       per.Start,
		PeriodEnd:         per.End,
		TokensByProvider:  make(map[provider.ID]int64),
		ClaimedByProvider: make(map[provider.ID]int64),
	}

	counter, err := l.rdb.HGetAll(ctx, keys[0]).Result()
	if err != nil {
		return nil, fmt.Errorf("usage: %w", err)
	}
	for field, raw := range counter {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case field == fieldQueries:
			u.Queries = n
		case field == fieldTokens:
			u.Tokens = n
		case strings.HasPrefix(field, "provider:"):
			u.TokensByProvider[provider.ID(strings.TrimPrefix(field, "provider:"))] = n
		}
	}

	held, err := l.rdb.HGetAll(ctx, keys[1]).Result()
	if err != nil {
		return nil, fmt.Errorf("usage: %w", err)
	}
	now := l.now().UnixMilli()
	for _, v := range held {
		h, ok := parseHeld(v)
		if !ok || h.expiresMs <= now {
			continue
		}
		u.ReservedQueries++
		u.ReservedTokens += h.tokens
		if h.claim != "" {
			u.ClaimedByProvider[h.claim] += h.tokens
		}
	}
	return u, nil
}

type heldValue struct {
	tokens    int64
	expiresMs int64
	claim     provider.ID
}

func parseHeld(v string) (heldValue, bool) {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) < 2 {
		return heldValue{}, false
	}
	tokens, err1 := strconv.ParseInt(parts[0], 10, 64)
	expiresMs, err2 := strconv.ParseInt(parts[1], 10, 64)
	h := heldValue{tokens: tokens, expiresMs: expiresMs}
	if len(parts) == 3 {
		h.claim = provider.ID(parts[2])
	}
	return h, err1 == nil && err2 == nil
}
