package proxy

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/query-gateway/internal/billing"
	"github.com/vnmchuo/query-gateway/internal/catalog"
	"github.com/vnmchuo/query-gateway/internal/period"
	"github.com/vnmchuo/query-gateway/internal/plan"
	"github.com/vnmchuo/query-gateway/internal/provider"
	"github.com/vnmchuo/query-gateway/internal/quota"
)

const tenant = "shop-1"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// MockProvider answers with respond, counting calls.
type MockProvider struct {
	name    provider.ID
	models  []string
	calls   atomic.Int32
	respond func(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

func (m *MockProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.calls.Add(1)
	return m.respond(ctx, req)
}

func (m *MockProvider) Name() provider.ID          { return m.name }
func (m *MockProvider) SupportedModels() []string { return m.models }
func (m *MockProvider) IsOpen() bool              { return false }

func answering(id provider.ID, in, out int) *MockProvider {
	return &MockProvider{name: id, respond: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: "answer from " + string(id), Provider: id, Model: req.Model, InputTokens: in, OutputTokens: out}, nil
	}}
}

func failing(id provider.ID, kind provider.Kind) *MockProvider {
	return &MockProvider{name: id, respond: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return nil, &provider.Error{Provider: id, Kind: kind, Err: errors.New(string(kind))}
	}}
}

type fixture struct {
	cat    *catalog.Catalog
	clock  *clock
	ledger *quota.MemoryLedger
	store  *billing.MemoryStore
	plans  *plan.StaticStore
	router *Router
}

func basicPlan() plan.Plan {
	return plan.Plan{
		ID:               "basic",
		QueryQuota:       quota.Unlimited,
		TokenQuota:       quota.Unlimited,
		AllowedProviders: []provider.ID{provider.OpenAI, provider.Claude},
		Cycle:            period.Monthly(),
	}
}

func newFixture(t *testing.T, p plan.Plan, drivers map[provider.ID]provider.Driver, opts ...Option) *fixture {
	t.Helper()
	cat, err := catalog.New(
		catalog.NewEntry(provider.OpenAI, "OPENAI_API_KEY", 1, "gpt-4o-mini", "gpt-4o"),
		catalog.NewEntry(provider.Claude, "ANTHROPIC_API_KEY", 2, "claude-3-5-haiku-20241022"),
		catalog.NewEntry(provider.Gemini, "GEMINI_API_KEY", 3, "gemini-2.0-flash"),
	)
	require.NoError(t, err)

	c := &clock{t: time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)}
	f := &fixture{
		cat:    cat,
		clock:  c,
		ledger: quota.NewMemoryLedger(time.Minute, zap.NewNop(), quota.WithClock(c.Now)),
		store:  billing.NewMemoryStore(),
		plans: plan.NewStaticStore(plan.Subscription{
			TenantID: tenant,
			PlanID:   p.ID,
			Anchor:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			Plan:     p,
		}),
	}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	f.router = NewRouter(cat, drivers, f.plans, f.ledger, billing.NewRecorder(f.store, zap.NewNop()), opts...)
	return f
}

func (f *fixture) usage(t *testing.T) *quota.Usage {
	t.Helper()
	sub, err := f.plans.GetSubscription(context.Background(), tenant)
	require.NoError(t, err)
	per, err := sub.Period(f.clock.Now())
	require.NoError(t, err)
	u, err := f.ledger.Usage(context.Background(), tenant, per)
	require.NoError(t, err)
	return u
}

func (f *fixture) records(t *testing.T) []*billing.QueryRecord {
	t.Helper()
	now := f.clock.Now()
	recs, err := f.store.ListRecords(context.Background(), tenant, now.AddDate(0, 0, -30), now.AddDate(0, 0, 1))
	require.NoError(t, err)
	return recs
}

func query() *Query {
	return &Query{TenantID: tenant, RequestID: "req-1", Prompt: "which products sold best this week?"}
}

func TestExecute_FallbackCommitsActualTokens(t *testing.T) {
	p1 := failing(provider.OpenAI, provider.KindTimeout)
	p2 := answering(provider.Claude, 5, 7)
	pl := basicPlan()
	pl.TokenQuota = 100
	f := newFixture(t, pl,
		map[provider.ID]provider.Driver{provider.OpenAI: p1, provider.Claude: p2},
		WithEstimator(func(*Query) int64 { return 10 }),
	)

	res, err := f.router.Execute(context.Background(), query())
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, res.State)
	assert.Equal(t, provider.Claude, res.Provider)
	assert.Equal(t, int64(12), res.TokensUsed)
	assert.Equal(t, 2, res.Attempts)

	u := f.usage(t)
	assert.Equal(t, int64(12), u.Tokens)
	assert.Equal(t, int64(1), u.Queries)
	assert.Zero(t, u.ReservedTokens)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, billing.OutcomeSuccess, recs[0].Outcome)
	assert.Equal(t, provider.Claude, recs[0].Provider)
	assert.Equal(t, res.RecordID, recs[0].ID)
	assert.Equal(t, billing.HashPrompt(query().Prompt), recs[0].PromptHash)
}

func TestExecute_FallbackOrdering(t *testing.T) {
	a := failing(provider.OpenAI, provider.KindUnavailable)
	b := answering(provider.Claude, 1, 1)
	f := newFixture(t, basicPlan(), map[provider.ID]provider.Driver{provider.OpenAI: a, provider.Claude: b})

	for i := 0; i < 5; i++ {
		res, err := f.router.Execute(context.Background(), query())
		require.NoError(t, err)
		assert.Equal(t, provider.Claude, res.Provider)
	}
	for _, rec := range f.records(t) {
		assert.Equal(t, provider.Claude, rec.Provider)
	}
}

func TestExecute_PreferredProviderFirst(t *testing.T) {
	a := answering(provider.OpenAI, 1, 1)
	b := answering(provider.Claude, 1, 1)
	f := newFixture(t, basicPlan(), map[provider.ID]provider.Driver{provider.OpenAI: a, provider.Claude: b})

	q := query()
	q.Provider = provider.Claude
	res, err := f.router.Execute(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, provider.Claude, res.Provider)
	assert.Zero(t, a.calls.Load())
}

func TestExecute_PreferredProviderOutsidePlanIgnored(t *testing.T) {
	a := answering(provider.OpenAI, 1, 1)
	g := answering(provider.Gemini, 1, 1)
	f := newFixture(t, basicPlan(), map[provider.ID]provider.Driver{provider.OpenAI: a, provider.Gemini: g})

	q := query()
	q.Provider = provider.Gemini
	res, err := f.router.Execute(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, provider.OpenAI, res.Provider)
	assert.Zero(t, g.calls.Load())
}

func TestExecute_ModelRestrictsCandidates(t *testing.T) {
	a := answering(provider.OpenAI, 1, 1)
	b := answering(provider.Claude, 1, 1)
	f := newFixture(t, basicPlan(), map[provider.ID]provider.Driver{provider.OpenAI: a, provider.Claude: b})

	q := query()
	q.Model = "claude-3-5-haiku-20241022"
	res, err := f.router.Execute(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, provider.Claude, res.Provider)
	assert.Equal(t, "claude-3-5-haiku-20241022", res.Model)

	q.Model = "no-such-model"
	_, err = f.router.Execute(context.Background(), q)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, f.usage(t).ReservedQueries)
}

func TestExecute_Exhausted(t *testing.T) {
	a := failing(provider.OpenAI, provider.KindUnavailable)
	b := failing(provider.Claude, provider.KindRateLimited)
	f := newFixture(t, basicPlan(), map[provider.ID]provider.Driver{provider.OpenAI: a, provider.Claude: b})

	res, err := f.router.Execute(context.Background(), query())
	require.ErrorIs(t, err, ErrAllProvidersExhausted)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 2, res.Attempts)

	u := f.usage(t)
	assert.Zero(t, u.Queries)
	assert.Zero(t, u.Tokens)
	assert.Zero(t, u.ReservedQueries)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, billing.OutcomeFailed, recs[0].Outcome)
	assert.Equal(t, "all_providers_exhausted", recs[0].ErrorKind)
	assert.Zero(t, recs[0].Tokens())
}

func TestExecute_QuotaExceededNotRecorded(t *testing.T) {
	a := answering(provider.OpenAI, 1, 1)
	pl := basicPlan()
	pl.QueryQuota = 1
	f := newFixture(t, pl, map[provider.ID]provider.Driver{provider.OpenAI: a})

	_, err := f.router.Execute(context.Background(), query())
	require.NoError(t, err)

	res, err := f.router.Execute(context.Background(), query())
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.Equal(t, StateRejected, res.State)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Len(t, f.records(t), 1)
}

func TestExecute_UnknownTenant(t *testing.T) {
	f := newFixture(t, basicPlan(), map[provider.ID]provider.Driver{provider.OpenAI: answering(provider.OpenAI, 1, 1)})
	q := query()
	q.TenantID = "nobody"
	_, err := f.router.Execute(context.Background(), q)
	assert.ErrorIs(t, err, plan.ErrTenantNotFound)
}

func TestExecute_CircuitBreakerSkipsAndProbesOnce(t *testing.T) {
	a := failing(provider.OpenAI, provider.KindUnavailable)
	b := answering(provider.Claude, 1, 1)
	breakerA := provider.NewBreaker(a, provider.BreakerConfig{Failures: 3, Cooldown: 100 * time.Millisecond}, zap.NewNop())
	breakerB := provider.NewBreaker(b, provider.BreakerConfig{Failures: 3, Cooldown: 100 * time.Millisecond}, zap.NewNop())
	f := newFixture(t, basicPlan(), map[provider.ID]provider.Driver{provider.OpenAI: breakerA, provider.Claude: breakerB})

	for i := 0; i < 3; i++ {
		_, err := f.router.Execute(context.Background(), query())
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), a.calls.Load())
	require.True(t, breakerA.IsOpen())

	for i := 0; i < 5; i++ {
		res, err := f.router.Execute(context.Background(), query())
		require.NoError(t, err)
		assert.Equal(t, provider.Claude, res.Provider)
	}
	assert.Equal(t, int32(3), a.calls.Load(), "open circuit must not reach the driver")

	time.Sleep(150 * time.Millisecond)
	_, err := f.router.Execute(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, int32(4), a.calls.Load(), "exactly one half-open probe")

	_, err = f.router.Execute(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, int32(4), a.calls.Load(), "failed probe reopens the circuit")
}

func TestExecute_ConcurrentAdmitsExactlyK(t *testing.T) {
	const k, n = 5, 40
	slow := &MockProvider{name: provider.OpenAI, respond: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		time.Sleep(5 * time.Millisecond)
		return &provider.Response{Provider: provider.OpenAI, InputTokens: 2, OutputTokens: 3}, nil
	}}
	pl := basicPlan()
	pl.QueryQuota = k
	f := newFixture(t, pl, map[provider.ID]provider.Driver{provider.OpenAI: slow})

	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		rejected atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.router.Execute(context.Background(), query())
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, quota.ErrQuotaExceeded):
				rejected.Add(1)
			default:
				assert.NoError(t, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(k), ok.Load())
	assert.Equal(t, int32(n-k), rejected.Load())
	assert.Equal(t, int64(k), f.usage(t).Queries)
	assert.Equal(t, int32(k), slow.calls.Load())
}

func TestExecute_DailyRollover(t *testing.T) {
	a := answering(provider.OpenAI, 1, 1)
	pl := basicPlan()
	pl.QueryQuota = 1
	pl.Cycle = period.Daily()
	f := newFixture(t, pl, map[provider.ID]provider.Driver{provider.OpenAI: a})

	_, err := f.router.Execute(context.Background(), query())
	require.NoError(t, err)
	_, err = f.router.Execute(context.Background(), query())
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)

	f.clock.Advance(24 * time.Hour)
	assert.Zero(t, f.usage(t).Queries)

	_, err = f.router.Execute(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.usage(t).Queries)
}

func TestExecute_CancellationReleasesReservation(t *testing.T) {
	started := make(chan struct{})
	blocking := &MockProvider{name: provider.OpenAI, respond: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, provider.FromTransport(provider.OpenAI, ctx.Err())
	}}
	next := answering(provider.Claude, 1, 1)
	f := newFixture(t, basicPlan(), map[provider.ID]provider.Driver{provider.OpenAI: blocking, provider.Claude: next})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := f.router.Execute(ctx, query())
	require.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, next.calls.Load())

	u := f.usage(t)
	assert.Zero(t, u.ReservedQueries)
	assert.Zero(t, u.ReservedTokens)
	assert.Zero(t, u.Queries)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "canceled", recs[0].ErrorKind)
}

func TestExecute_ProviderCapSkipsProvider(t *testing.T) {
	a := answering(provider.OpenAI, 10, 10)
	b := answering(provider.Claude, 1, 1)
	pl := basicPlan()
	pl.ProviderTokenQuota = map[provider.ID]int64{provider.OpenAI: 25}
	f := newFixture(t, pl,
		map[provider.ID]provider.Driver{provider.OpenAI: a, provider.Claude: b},
		WithEstimator(func(*Query) int64 { return 5 }),
	)

	res, err := f.router.Execute(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, provider.OpenAI, res.Provider)

	// 20 committed + 5 estimated fits; the next would not.
	res, err = f.router.Execute(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, provider.OpenAI, res.Provider)

	res, err = f.router.Execute(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, provider.Claude, res.Provider)
}

func TestQuotaStatus(t *testing.T) {
	pl := basicPlan()
	pl.TokenQuota = 1000
	f := newFixture(t, pl, map[provider.ID]provider.Driver{provider.OpenAI: answering(provider.OpenAI, 3, 4)},
		WithEstimator(RuneEstimator(64)),
	)

	_, err := f.router.Execute(context.Background(), query())
	require.NoError(t, err)

	st, err := f.router.QuotaStatus(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), st.Plan.TokenQuota)
	assert.Equal(t, int64(7), st.Usage.Tokens)
	assert.Equal(t, int64(7), st.Usage.TokensByProvider[provider.OpenAI])
}

func TestRuneEstimator(t *testing.T) {
	est := RuneEstimator(100)
	assert.Equal(t, int64(2+100), est(&Query{Prompt: "héllo"}))
	assert.Equal(t, int64(1+8), est(&Query{Prompt: "abcd", MaxTokens: 8}))
}

func TestRuneEstimator_Saturates(t *testing.T) {
	est := RuneEstimator(100)
	assert.Equal(t, int64(math.MaxInt64), est(&Query{Prompt: "abcd", MaxTokens: math.MaxInt}))
}

func TestExecute_MaxTokensAboveCeilingRejected(t *testing.T) {
	a := answering(provider.OpenAI, 1, 1)
	pl := basicPlan()
	pl.TokenQuota = 100
	f := newFixture(t, pl, map[provider.ID]provider.Driver{provider.OpenAI: a},
		WithMaxCompletionTokens(64),
	)

	q := query()
	q.MaxTokens = math.MaxInt
	_, err := f.router.Execute(context.Background(), q)
	require.ErrorIs(t, err, ErrInvalidRequest)

	q.MaxTokens = 65
	_, err = f.router.Execute(context.Background(), q)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, a.calls.Load())
	assert.Zero(t, f.usage(t).ReservedTokens)

	q.MaxTokens = 64
	_, err = f.router.Execute(context.Background(), q)
	require.NoError(t, err)
}

func TestExecute_ConcurrentProviderCapHolds(t *testing.T) {
	slow := &MockProvider{name: provider.OpenAI, respond: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		time.Sleep(20 * time.Millisecond)
		return &provider.Response{Content: "slow", Provider: provider.OpenAI, InputTokens: 10, OutputTokens: 10}, nil
	}}
	fallback := answering(provider.Claude, 1, 1)
	pl := basicPlan()
	pl.ProviderTokenQuota = map[provider.ID]int64{provider.OpenAI: 25}
	f := newFixture(t, pl,
		map[provider.ID]provider.Driver{provider.OpenAI: slow, provider.Claude: fallback},
		WithEstimator(func(*Query) int64 { return 20 }),
	)

	const n = 10
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.router.Execute(context.Background(), query())
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	u := f.usage(t)
	assert.Equal(t, int32(1), slow.calls.Load())
	assert.Equal(t, int64(20), u.TokensByProvider[provider.OpenAI])
	assert.Equal(t, int64(n-1)*2, u.TokensByProvider[provider.Claude])
	assert.Empty(t, u.ClaimedByProvider)
}

// rollingLedger runs advance before the first Reserve, so the period the
// router resolved has ended by the time the ledger sees it.
type rollingLedger struct {
	quota.Ledger
	once    sync.Once
	advance func()
}

func (l *rollingLedger) Reserve(ctx context.Context, req quota.Request) (*quota.Reservation, error) {
	l.once.Do(l.advance)
	return l.Ledger.Reserve(ctx, req)
}

func TestExecute_PeriodEndsBeforeReserve(t *testing.T) {
	a := answering(provider.OpenAI, 1, 1)
	pl := basicPlan()
	pl.Cycle = period.Daily()
	f := newFixture(t, pl, map[provider.ID]provider.Driver{provider.OpenAI: a})
	f.clock.Advance(12*time.Hour - time.Millisecond)

	ledger := &rollingLedger{Ledger: f.ledger, advance: func() { f.clock.Advance(time.Millisecond) }}
	router := NewRouter(f.cat, map[provider.ID]provider.Driver{provider.OpenAI: a}, f.plans, ledger,
		billing.NewRecorder(f.store, zap.NewNop()), WithClock(f.clock.Now))

	res, err := router.Execute(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, res.State)

	sub, err := f.plans.GetSubscription(context.Background(), tenant)
	require.NoError(t, err)
	per, err := sub.Period(f.clock.Now())
	require.NoError(t, err)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, per.ID(), recs[0].PeriodID)
	assert.Equal(t, int64(1), f.usage(t).Queries)
}
