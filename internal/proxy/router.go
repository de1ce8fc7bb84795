package proxy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/query-gateway/internal/billing"
	"github.com/vnmchuo/query-gateway/internal/catalog"
	"github.com/vnmchuo/query-gateway/internal/metrics"
	"github.com/vnmchuo/query-gateway/internal/plan"
	"github.com/vnmchuo/query-gateway/internal/provider"
	"github.com/vnmchuo/query-gateway/internal/quota"
)

var (
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrCanceled              = errors.New("query canceled")
	ErrInvalidRequest        = errors.New("invalid request")
)

type State string

const (
	StateSuccess  State = "success"
	StateRejected State = "rejected"
	StateFailed   State = "failed"
)

// Query is one tenant request as the router sees it.
type Query struct {
	TenantID  string
	RequestID string
	Prompt    string
	System    string
	Provider  provider.ID // preferred; empty means catalog order
	Model     string      // empty means each provider's default model
	MaxTokens int
}

type Result struct {
	State      State
	RecordID   string // empty for rejected queries, which are not recorded
	Provider   provider.ID
	Model      string
	Content    string
	TokensUsed int64
	Cost       decimal.Decimal
	Attempts   int
}

// Estimator predicts the tokens a query will use, before any provider runs.
type Estimator func(q *Query) int64

// RuneEstimator charges a quarter token per prompt rune plus the completion
// allowance: the query's MaxTokens, or completion when it has none. The sum
// saturates at math.MaxInt64.
func RuneEstimator(completion int) Estimator {
	return func(q *Query) int64 {
		out := int64(q.MaxTokens)
		if out <= 0 {
			out = int64(completion)
		}
		runes := int64(utf8.RuneCountInString(q.System)) + int64(utf8.RuneCountInString(q.Prompt))
		in := (runes + 3) / 4
		if out > math.MaxInt64-in {
			return math.MaxInt64
		}
		return in + out
	}
}

// DefaultMaxCompletionTokens bounds max_tokens unless WithMaxCompletionTokens
// says otherwise.
const DefaultMaxCompletionTokens = 32768

// Router admits a query against the tenant's quota, walks the allowed
// providers in priority order until one answers, settles the reservation and
// hands the outcome to the recorder.
type Router struct {
	catalog *catalog.Catalog
	drivers map[provider.ID]provider.Driver
	plans   plan.Store
	ledger  quota.Ledger
	sink    billing.Sink

	logger         *zap.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	now            func() time.Time
	estimate       Estimator
	attemptTimeout time.Duration
	maxCompletion  int
}

type Option func(*Router)

func WithLogger(l *zap.Logger) Option { return func(r *Router) { r.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Router) { r.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(r *Router) { r.tracer = t } }

func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

func WithEstimator(e Estimator) Option { return func(r *Router) { r.estimate = e } }

// WithAttemptTimeout caps every provider attempt, on top of the catalog
// entry's own timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Router) { r.attemptTimeout = d }
}

// WithMaxCompletionTokens rejects queries asking for more than n completion
// tokens. n <= 0 keeps the default.
func WithMaxCompletionTokens(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxCompletion = n
		}
	}
}

func NewRouter(cat *catalog.Catalog, drivers map[provider.ID]provider.Driver, plans plan.Store, ledger quota.Ledger, sink billing.Sink, opts ...Option) *Router {
	r := &Router{
		catalog:       cat,
		drivers:       drivers,
		plans:         plans,
		ledger:        ledger,
		sink:          sink,
		logger:        zap.NewNop(),
		tracer:        noop.NewTracerProvider().Tracer("query-gateway"),
		now:           time.Now,
		estimate:      RuneEstimator(1024),
		maxCompletion: DefaultMaxCompletionTokens,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type candidate struct {
	entry  catalog.Entry
	driver provider.Driver
}

// candidates lists the plan's providers that have a driver and serve the
// requested model, preferred provider first.
func (r *Router) candidates(sub *plan.Subscription, q *Query) []candidate {
	var out []candidate
	for _, e := range r.catalog.EntriesFor(sub.Plan.AllowedProviders, q.Provider) {
		d, ok := r.drivers[e.ID]
		if !ok {
			continue
		}
		if q.Model != "" && !e.SupportsModel(q.Model) {
			continue
		}
		out = append(out, candidate{entry: e, driver: d})
	}
	return out
}

func (r *Router) Execute(ctx context.Context, q *Query) (*Result, error) {
	start := r.now()
	ctx, span := r.tracer.Start(ctx, "router.execute", trace.WithAttributes(
		attribute.String("tenant_id", q.TenantID),
		attribute.String("request_id", q.RequestID),
		attribute.String("model", q.Model),
	))
	defer span.End()

	res, err := r.execute(ctx, q, start)
	state := StateFailed
	if res != nil {
		state = res.State
	}
	span.SetAttributes(attribute.String("state", string(state)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.RecordQuery(string(state), r.now().Sub(start))
	return res, err
}

func (r *Router) execute(ctx context.Context, q *Query, start time.Time) (*Result, error) {
	if q.Prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}
	if q.MaxTokens < 0 || q.MaxTokens > r.maxCompletion {
		return nil, fmt.Errorf("%w: max_tokens must be between 0 and %d", ErrInvalidRequest, r.maxCompletion)
	}

	sub, err := r.plans.GetSubscription(ctx, q.TenantID)
	if err != nil {
		return nil, err
	}
	per, err := sub.Period(start)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", q.TenantID, err)
	}

	cands := r.candidates(sub, q)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: no provider on the plan serves model %q", ErrInvalidRequest, q.Model)
	}

	req := quota.Request{
		Period:          per,
		Limits:          sub.Plan.Limits(),
		EstimatedTokens: r.estimate(q),
	}
	res, err := r.ledger.Reserve(ctx, req)
	if errors.Is(err, quota.ErrPeriodClosed) {
		// The period ended between resolution and reservation.
		if req.Period, err = sub.Period(r.now()); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", q.TenantID, err)
		}
		per = req.Period
		res, err = r.ledger.Reserve(ctx, req)
	}
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			r.metrics.RecordQuotaRejection(exceeded.Dimension)
			r.logger.Info("query rejected",
				zap.String("tenant_id", q.TenantID),
				zap.String("request_id", q.RequestID),
				zap.String("dimension", exceeded.Dimension),
			)
			return &Result{State: StateRejected}, err
		}
		return nil, fmt.Errorf("reserve: %w", err)
	}

	var (
		attempts int
		lastErr  error
	)
	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		id := c.entry.ID
		if c.driver.IsOpen() {
			r.metrics.RecordAttempt(string(id), "circuit_open")
			r.logger.Debug("skipping provider with open circuit", zap.String("provider", string(id)))
			continue
		}
		ok, err := r.ledger.ClaimProvider(ctx, res, id)
		if err != nil {
			r.logger.Warn("provider claim failed", zap.String("provider", string(id)), zap.Error(err))
			continue
		}
		if !ok {
			r.metrics.RecordAttempt(string(id), "provider_quota")
			continue
		}

		attempts++
		resp, err := r.attempt(ctx, c, q)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			kind := provider.KindOf(err)
			r.metrics.RecordAttempt(string(id), string(kind))
			r.logger.Warn("provider attempt failed",
				zap.String("provider", string(id)),
				zap.String("kind", string(kind)),
				zap.String("request_id", q.RequestID),
				zap.Error(err),
			)
			continue
		}
		r.metrics.RecordAttempt(string(id), "ok")
		return r.succeed(ctx, q, per.ID(), res, c.entry, resp, attempts, start), nil
	}

	// Settle even if the caller is gone.
	settle := context.WithoutCancel(ctx)
	if err := r.ledger.Release(settle, res); err != nil {
		r.logger.Error("release failed", zap.String("reservation_id", res.ID), zap.Error(err))
	}

	termErr := fmt.Errorf("%w after %d attempts", ErrAllProvidersExhausted, attempts)
	kind := "all_providers_exhausted"
	if ctx.Err() != nil {
		termErr = fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		kind = "canceled"
	} else if lastErr != nil {
		termErr = fmt.Errorf("%w after %d attempts: %w", ErrAllProvidersExhausted, attempts, lastErr)
	}

	rec := r.newRecord(q, per.ID(), start)
	rec.Outcome = billing.OutcomeFailed
	rec.ErrorKind = kind
	rec.Model = q.Model
	rec.Attempts = attempts
	r.sink.Submit(settle, rec)

	return &Result{State: StateFailed, RecordID: rec.ID, Attempts: attempts}, termErr
}

func (r *Router) attempt(ctx context.Context, c candidate, q *Query) (*provider.Response, error) {
	model := q.Model
	if model == "" {
		model = c.entry.DefaultModel()
	}
	timeout := c.entry.Timeout
	if r.attemptTimeout > 0 && r.attemptTimeout < timeout {
		timeout = r.attemptTimeout
	}
	req := &provider.Request{
		Model:     model,
		Prompt:    q.Prompt,
		System:    q.System,
		MaxTokens: q.MaxTokens,
		Timeout:   timeout,
		TenantID:  q.TenantID,
		RequestID: q.RequestID,
	}

	ctx, span := r.tracer.Start(ctx, "provider.attempt", trace.WithAttributes(
		attribute.String("provider", string(c.entry.ID)),
		attribute.String("model", model),
	))
	defer span.End()

	attemptCtx, cancel := provider.WithTimeout(ctx, req)
	defer cancel()
	resp, err := c.driver.Complete(attemptCtx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(provider.KindOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.Int64("tokens", resp.TokensUsed()))
	return resp, nil
}

func (r *Router) succeed(ctx context.Context, q *Query, periodID string, res *quota.Reservation, e catalog.Entry, resp *provider.Response, attempts int, start time.Time) *Result {
	settle := context.WithoutCancel(ctx)
	tokens := resp.TokensUsed()
	if err := r.ledger.Commit(settle, res, e.ID, tokens); err != nil {
		r.logger.Error("commit failed, usage not charged",
			zap.String("tenant_id", q.TenantID),
			zap.String("reservation_id", res.ID),
			zap.Int64("tokens", tokens),
			zap.Error(err),
		)
	}

	model := resp.Model
	if model == "" {
		model = q.Model
	}
	cost := e.Cost(resp.InputTokens, resp.OutputTokens)

	rec := r.newRecord(q, periodID, start)
	rec.Outcome = billing.OutcomeSuccess
	rec.Provider = e.ID
	rec.Model = model
	rec.InputTokens = resp.InputTokens
	rec.OutputTokens = resp.OutputTokens
	rec.Cost = cost
	rec.Attempts = attempts
	r.sink.Submit(settle, rec)

	return &Result{
		State:      StateSuccess,
		RecordID:   rec.ID,
		Provider:   e.ID,
		Model:      model,
		Content:    resp.Content,
		TokensUsed: tokens,
		Cost:       cost,
		Attempts:   attempts,
	}
}

func (r *Router) newRecord(q *Query, periodID string, start time.Time) *billing.QueryRecord {
	now := r.now()
	return &billing.QueryRecord{
		ID:         uuid.New().String(),
		TenantID:   q.TenantID,
		RequestID:  q.RequestID,
		PeriodID:   periodID,
		PromptHash: billing.HashPrompt(q.Prompt),
		Cost:       decimal.Zero,
		LatencyMs:  now.Sub(start).Milliseconds(),
		CreatedAt:  now,
	}
}

// QuotaStatus is the tenant's plan next to its current period usage.
type QuotaStatus struct {
	Plan  plan.Plan
	Usage *quota.Usage
}

func (r *Router) QuotaStatus(ctx context.Context, tenantID string) (*QuotaStatus, error) {
	sub, err := r.plans.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	per, err := sub.Period(r.now())
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	u, err := r.ledger.Usage(ctx, tenantID, per)
	if err != nil {
		return nil, err
	}
	return &QuotaStatus{Plan: sub.Plan, Usage: u}, nil
}
