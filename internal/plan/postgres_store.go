package plan

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/query-gateway/internal/provider"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	query := `
		SELECT t.id, t.plan_id, t.subscription_start,
		       p.name, p.query_quota, p.token_quota, p.allowed_providers, p.cycle_days, p.cycle_months
		FROM tenants t
		JOIN plans p ON p.id = t.plan_id
		WHERE t.id = $1 AND t.active = true
	`

	var sub Subscription
	var allowed []string
	err := s.db.QueryRow(ctx, query, tenantID).Scan(
		&sub.TenantID, &sub.PlanID, &sub.Anchor,
		&sub.Plan.Name, &sub.Plan.QueryQuota, &sub.Plan.TokenQuota, &allowed,
		&sub.Plan.Cycle.Days, &sub.Plan.Cycle.Months,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.Plan.ID = sub.PlanID

	for _, name := range allowed {
		id, err := provider.ParseID(name)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", sub.PlanID, err)
		}
		sub.Plan.AllowedProviders = append(sub.Plan.AllowedProviders, id)
	}

	caps, err := s.providerQuotas(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	sub.Plan.ProviderTokenQuota = caps

	if err := sub.Plan.Validate(); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) providerQuotas(ctx context.Context, planID string) (map[provider.ID]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT provider, token_quota FROM plan_provider_quotas WHERE plan_id = $1`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider quotas: %w", err)
	}
	defer rows.Close()

	var caps map[provider.ID]int64
	for rows.Next() {
		var name string
		var limit int64
		if err := rows.Scan(&name, &limit); err != nil {
			return nil, fmt.Errorf("failed to scan provider quota: %w", err)
		}
		id, err := provider.ParseID(name)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", planID, err)
		}
		if caps == nil {
			caps = make(map[provider.ID]int64)
		}
		caps[id] = limit
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider quotas: %w", err)
	}
	return caps, nil
}

// UpsertPlan writes p and replaces its per-provider caps.
func (s *PostgresStore) UpsertPlan(ctx context.Context, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	allowed := make([]string, len(p.AllowedProviders))
	for i, id := range p.AllowedProviders {
		allowed[i] = string(id)
	}

	query := `
		INSERT INTO plans (id, name, query_quota, token_quota, allowed_providers, cycle_days, cycle_months)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, query_quota = EXCLUDED.query_quota, token_quota = EXCLUDED.token_quota,
		    allowed_providers = EXCLUDED.allowed_providers,
		    cycle_days = EXCLUDED.cycle_days, cycle_months = EXCLUDED.cycle_months
	`
	if _, err := s.db.Exec(ctx, query, p.ID, p.Name, p.QueryQuota, p.TokenQuota, allowed, p.Cycle.Days, p.Cycle.Months); err != nil {
		return fmt.Errorf("failed to upsert plan: %w", err)
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM plan_provider_quotas WHERE plan_id = $1`, p.ID); err != nil {
		return fmt.Errorf("failed to reset provider quotas: %w", err)
	}
	for id, limit := range p.ProviderTokenQuota {
		_, err := s.db.Exec(ctx,
			`INSERT INTO plan_provider_quotas (plan_id, provider, token_quota) VALUES ($1, $2, $3)`,
			p.ID, string(id), limit,
		)
		if err != nil {
			return fmt.Errorf("failed to insert provider quota: %w", err)
		}
	}
	return nil
}

// Subscribe points tenantID at planID, keeping an existing anchor.
func (s *PostgresStore) Subscribe(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO tenants (id, plan_id, subscription_start, active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (id) DO UPDATE SET plan_id = EXCLUDED.plan_id, active = true
	`
	if _, err := s.db.Exec(ctx, query, sub.TenantID, sub.PlanID, sub.Anchor); err != nil {
		return fmt.Errorf("failed to subscribe tenant: %w", err)
	}
	return nil
}
