package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/query-gateway/internal/provider"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Apply inserts the record and bumps its aggregates in one transaction. The
// record's primary key is the dedup ledger: a conflicting insert ends the
// transaction before any aggregate is touched.
func (s *PostgresStore) Apply(ctx context.Context, rec *QueryRecord) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: begin: %w", ErrPersistence, err)
	}
	// No-op once committed.
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `
		INSERT INTO query_records (id, tenant_id, request_id, period_id, prompt_hash, provider, model,
			input_tokens, output_tokens, cost_usd, outcome, error_kind, attempts, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, insert,
		rec.ID, rec.TenantID, rec.RequestID, rec.PeriodID, rec.PromptHash, string(rec.Provider), rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.Cost.String(), string(rec.Outcome), rec.ErrorKind,
		rec.Attempts, rec.LatencyMs, rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("%w: insert record: %w", ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	failed := 0
	if rec.Outcome == OutcomeFailed {
		failed = 1
	}
	upsert := `
		INSERT INTO daily_aggregates (tenant_id, day, total_queries, failed_queries, total_cost_usd)
		VALUES ($1, $2, 1, $3, $4::numeric)
		ON CONFLICT (tenant_id, day) DO UPDATE SET
			total_queries = daily_aggregates.total_queries + 1,
			failed_queries = daily_aggregates.failed_queries + EXCLUDED.failed_queries,
			total_cost_usd = daily_aggregates.total_cost_usd + EXCLUDED.total_cost_usd
	`
	if _, err = tx.Exec(ctx, upsert, rec.TenantID, rec.Day(), failed, rec.Cost.String()); err != nil {
		return false, fmt.Errorf("%w: upsert aggregate: %w", ErrPersistence, err)
	}

	if rec.Provider != "" {
		tokens := `
			INSERT INTO daily_provider_tokens (tenant_id, day, provider, tokens)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, day, provider) DO UPDATE SET
				tokens = daily_provider_tokens.tokens + EXCLUDED.tokens
		`
		if _, err = tx.Exec(ctx, tokens, rec.TenantID, rec.Day(), string(rec.Provider), rec.Tokens()); err != nil {
			return false, fmt.Errorf("%w: upsert provider tokens: %w", ErrPersistence, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}
	return true, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, tenantID string, from, to time.Time) ([]*QueryRecord, error) {
	query := `
		SELECT id, tenant_id, request_id, period_id, prompt_hash, provider, model, input_tokens,
			output_tokens, cost_usd::text, outcome, error_kind, attempts, latency_ms, created_at
		FROM query_records
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*QueryRecord
	for rows.Next() {
		var (
			r                 QueryRecord
			prov, cost, outcm string
		)
		err := rows.Scan(
			&r.ID, &r.TenantID, &r.RequestID, &r.PeriodID, &r.PromptHash, &prov, &r.Model, &r.InputTokens,
			&r.OutputTokens, &cost, &outcm, &r.ErrorKind, &r.Attempts, &r.LatencyMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if r.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("record %s: cost: %w", r.ID, err)
		}
		r.Provider = provider.ID(prov)
		r.Outcome = Outcome(outcm)
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) DailyAggregates(ctx context.Context, tenantID string, from, to time.Time) ([]*DailyAggregate, error) {
	query := `
		SELECT day, total_queries, failed_queries, total_cost_usd::text
		FROM daily_aggregates
		WHERE tenant_id = $1 AND day BETWEEN $2 AND $3
		ORDER BY day
	`
	rows, err := s.db.Query(ctx, query, tenantID, DayOf(from), DayOf(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	var out []*DailyAggregate
	byDay := make(map[string]*DailyAggregate)
	for rows.Next() {
		a := &DailyAggregate{TenantID: tenantID, TokensByProvider: make(map[provider.ID]int64)}
		var cost string
		if err := rows.Scan(&a.Day, &a.TotalQueries, &a.FailedQueries, &cost); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		if a.TotalCost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("aggregate %s: cost: %w", a.Day.Format(time.DateOnly), err)
		}
		a.Day = DayOf(a.Day)
		byDay[a.Day.Format(time.DateOnly)] = a
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregates: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	tokens := `
		SELECT day, provider, tokens
		FROM daily_provider_tokens
		WHERE tenant_id = $1 AND day BETWEEN $2 AND $3
	`
	trows, err := s.db.Query(ctx, tokens, tenantID, DayOf(from), DayOf(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query provider tokens: %w", err)
	}
	defer trows.Close()
	for trows.Next() {
		var (
			day  time.Time
			prov string
			n    int64
		)
		if err := trows.Scan(&day, &prov, &n); err != nil {
			return nil, fmt.Errorf("failed to scan provider tokens: %w", err)
		}
		if a, ok := byDay[DayOf(day).Format(time.DateOnly)]; ok {
			a.TokensByProvider[provider.ID(prov)] = n
		}
	}
	if err := trows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider tokens: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) TotalCost(ctx context.Context, tenantID string, from, to time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)::text
		FROM query_records
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var raw string
	if err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to get total cost: %w", err)
	}
	total, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("total cost: %w", err)
	}
	return total, nil
}
