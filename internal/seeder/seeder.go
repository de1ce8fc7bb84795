// Package seeder provisions a demo tenant for local runs.
package seeder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/query-gateway/internal/auth"
	"github.com/vnmchuo/query-gateway/internal/period"
	"github.com/vnmchuo/query-gateway/internal/plan"
	"github.com/vnmchuo/query-gateway/internal/provider"
)

const (
	TestAPIKey   = "test-api-key-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"
	TestPlanID   = "starter"
)

// PlanWriter is the write side of the plan store.
type PlanWriter interface {
	UpsertPlan(ctx context.Context, p *plan.Plan) error
	Subscribe(ctx context.Context, sub *plan.Subscription) error
}

// StarterPlan is the demo tier: 1000 queries and 500k tokens a month on any
// provider, with Claude capped at 200k.
func StarterPlan() *plan.Plan {
	return &plan.Plan{
		ID:                 TestPlanID,
		Name:               "Starter",
		QueryQuota:         1000,
		TokenQuota:         500_000,
		ProviderTokenQuota: map[provider.ID]int64{provider.Claude: 200_000},
		AllowedProviders:   append([]provider.ID(nil), provider.Known...),
		Cycle:              period.Monthly(),
	}
}

// Seed is idempotent: rerunning it updates the plan and keeps the key.
func Seed(ctx context.Context, keys auth.Store, plans PlanWriter, now time.Time, logger *zap.Logger) error {
	p := StarterPlan()
	if err := plans.UpsertPlan(ctx, p); err != nil {
		return fmt.Errorf("seed plan: %w", err)
	}
	y, m, _ := now.UTC().Date()
	sub := &plan.Subscription{
		TenantID: TestTenantID,
		PlanID:   p.ID,
		Anchor:   time.Date(y, m, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := plans.Subscribe(ctx, sub); err != nil {
		return fmt.Errorf("seed tenant: %w", err)
	}

	err := keys.Create(ctx, &auth.APIKey{
		TenantID:  TestTenantID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	})
	switch {
	case errors.Is(err, auth.ErrKeyExists):
		logger.Info("seed api key already present", zap.String("tenant_id", TestTenantID))
	case err != nil:
		return fmt.Errorf("seed api key: %w", err)
	default:
		logger.Info("seeded test api key",
			zap.String("tenant_id", TestTenantID),
			zap.String("plan_id", p.ID),
			zap.String("key", TestAPIKey),
		)
	}
	return nil
}
