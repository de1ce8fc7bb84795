package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnmchuo/query-gateway/internal/period"
	"github.com/vnmchuo/query-gateway/internal/provider"
)

// MemoryLedger keeps one mutex-guarded account per (tenant, period). Accounts
// for different keys share nothing but the sync.Map that indexes them.
type MemoryLedger struct {
	accounts  sync.Map // accountKey -> *account
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

type account struct {
	mu       sync.Mutex
	closed   bool
	tenantID string
	per      period.Period

	queries          int64
	tokens           int64
	tokensByProvider map[provider.ID]int64
	reservedQueries  int64
	reservedTokens   int64
	reservations     map[string]*Reservation

	// claims maps reservation id to the capped provider it holds.
	claims            map[string]provider.ID
	claimedByProvider map[provider.ID]int64
}

type MemoryOption func(*MemoryLedger)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLedger) { l.now = now }
}

// WithRetention keeps counters of ended periods readable for d after the end.
func WithRetention(d time.Duration) MemoryOption {
	return func(l *MemoryLedger) { l.retention = d }
}

// NewMemoryLedger returns a ledger whose reservations expire ttl after they
// are taken.
func NewMemoryLedger(ttl time.Duration, logger *zap.Logger, opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		ttl:       ttl,
		retention: 24 * time.Hour,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLedger) load(tenantID string, per period.Period) *account {
	key := accountKey(tenantID, per.ID())
	if a, ok := l.accounts.Load(key); ok {
		return a.(*account)
	}
	a, _ := l.accounts.LoadOrStore(key, &account{
		tenantID:          tenantID,
		per:               per,
		tokensByProvider:  make(map[provider.ID]int64),
		reservations:      make(map[string]*Reservation),
		claims:            make(map[string]provider.ID),
		claimedByProvider: make(map[provider.ID]int64),
	})
	return a.(*account)
}

func (l *MemoryLedger) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	if err := validTokens(req.EstimatedTokens); err != nil {
		return nil, err
	}
	for {
		now := l.now()
		if req.Period.Closed(now) {
			return nil, ErrPeriodClosed
		}
		r, swept, err := l.reserve(l.load(req.Period.TenantID, req.Period), req, now)
		if !swept {
			return r, err
		}
	}
}

// reserve reports swept when a was retired before the lock was taken.
func (l *MemoryLedger) reserve(a *account, req Request, now time.Time) (*Reservation, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, true, nil
	}
	a.expire(now, l.logger)

	if !within(a.queries+a.reservedQueries, 1, req.Limits.Queries) {
		return nil, false, &ExceededError{TenantID: a.tenantID, Dimension: "queries", Limit: req.Limits.Queries}
	}
	if !within(a.tokens+a.reservedTokens, req.EstimatedTokens, req.Limits.Tokens) {
		return nil, false, &ExceededError{TenantID: a.tenantID, Dimension: "tokens", Limit: req.Limits.Tokens}
	}

	r := &Reservation{
		ID:             uuid.New().String(),
		TenantID:       a.tenantID,
		PeriodID:       a.per.ID(),
		Tokens:         req.EstimatedTokens,
		ExpiresAt:      now.Add(l.ttl),
		providerLimits: copyLimits(req.Limits.ProviderTokens),
	}
	a.reservations[r.ID] = r
	a.reservedQueries++
	a.reservedTokens += r.Tokens
	return r, false, nil
}

// Commit accepts actualTokens even when it exceeds the estimate; see the
// package doc for the overshoot policy.
func (l *MemoryLedger) Commit(ctx context.Context, r *Reservation, p provider.ID, actualTokens int64) error {
	if err := validTokens(actualTokens); err != nil {
		return err
	}
	v, ok := l.accounts.Load(accountKey(r.TenantID, r.PeriodID))
	if !ok {
		return ErrUnknownReservation
	}
	a := v.(*account)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expire(l.now(), l.logger)
	held, ok := a.reservations[r.ID]
	if !ok {
		return ErrUnknownReservation
	}
	a.drop(held)
	a.queries++
	a.tokens += actualTokens
	a.tokensByProvider[p] += actualTokens
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, r *Reservation) error {
	v, ok := l.accounts.Load(accountKey(r.TenantID, r.PeriodID))
	if !ok {
		return nil
	}
	a := v.(*account)
	a.mu.Lock()
	defer a.mu.Unlock()

	if held, ok := a.reservations[r.ID]; ok {
		a.drop(held)
	}
	return nil
}

func (l *MemoryLedger) ClaimProvider(ctx context.Context, r *Reservation, p provider.ID) (bool, error) {
	v, ok := l.accounts.Load(accountKey(r.TenantID, r.PeriodID))
	if !ok {
		return false, ErrUnknownReservation
	}
	a := v.(*account)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expire(l.now(), l.logger)
	held, ok := a.reservations[r.ID]
	if !ok {
		return false, ErrUnknownReservation
	}
	a.unclaim(held)

	limit, capped := held.providerLimits[p]
	if !capped {
		return true, nil
	}
	if !within(a.tokensByProvider[p]+a.claimedByProvider[p], held.Tokens, limit) {
		return false, nil
	}
	a.claims[held.ID] = p
	a.claimedByProvider[p] += held.Tokens
	return true, nil
}

func (l *MemoryLedger) Usage(ctx context.Context, tenantID string, per period.Period) (*Usage, error) {
	u := &Usage{
		TenantID:          tenantID,
		PeriodID:          per.ID(),
		PeriodStart:       per.Start,
		PeriodEnd:         per.End,
		TokensByProvider:  make(map[provider.ID]int64),
		ClaimedByProvider: make(map[provider.ID]int64),
	}
	v, ok := l.accounts.Load(accountKey(tenantID, per.ID()))
	if !ok {
		return u, nil
	}
	a := v.(*account)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expire(l.now(), l.logger)
	u.Queries = a.queries
	u.Tokens = a.tokens
	u.ReservedQueries = a.reservedQueries
	u.ReservedTokens = a.reservedTokens
	for k, n := range a.tokensByProvider {
		u.TokensByProvider[k] = n
	}
	for k, n := range a.claimedByProvider {
		if n != 0 {
			u.ClaimedByProvider[k] = n
		}
	}
	return u, nil
}

// Sweep reclaims expired reservations everywhere and forgets accounts whose
// period ended more than the retention ago and hold no reservations.
func (l *MemoryLedger) Sweep() {
	now := l.now()
	l.accounts.Range(func(key, value any) bool {
		a := value.(*account)
		a.mu.Lock()
		a.expire(now, l.logger)
		if len(a.reservations) == 0 && !now.Before(a.per.End.Add(l.retention)) {
			a.closed = true
			l.accounts.Delete(key)
		}
		a.mu.Unlock()
		return true
	})
}

// Run sweeps every interval until ctx is done.
func (l *MemoryLedger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// expire must be called with a.mu held.
func (a *account) expire(now time.Time, logger *zap.Logger) {
	for _, r := range a.reservations {
		if now.Before(r.ExpiresAt) {
			continue
		}
		logger.Error("reservation expired before settlement",
			zap.String("tenant_id", a.tenantID),
			zap.String("period_id", a.per.ID()),
			zap.String("reservation_id", r.ID),
			zap.Int64("tokens", r.Tokens),
		)
		a.drop(r)
	}
}

func (a *account) drop(r *Reservation) {
	a.unclaim(r)
	delete(a.reservations, r.ID)
	a.reservedQueries--
	a.reservedTokens -= r.Tokens
}

func (a *account) unclaim(r *Reservation) {
	if p, ok := a.claims[r.ID]; ok {
		delete(a.claims, r.ID)
		a.claimedByProvider[p] -= r.Tokens
	}
}
