// Package plan resolves a tenant's subscription and the entitlements of its
// plan. Plans are reference data owned elsewhere; this package only reads them.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vnmchuo/query-gateway/internal/period"
	"github.com/vnmchuo/query-gateway/internal/provider"
	"github.com/vnmchuo/query-gateway/internal/quota"
)

var ErrTenantNotFound = errors.New("tenant not found")

type Plan struct {
	ID                 string                `json:"id"`
	Name               string                `json:"name"`
	QueryQuota         int64                 `json:"query_quota"`
	TokenQuota         int64                 `json:"token_quota"`
	ProviderTokenQuota map[provider.ID]int64 `json:"provider_token_quota,omitempty"`
	AllowedProviders   []provider.ID         `json:"allowed_providers"`
	Cycle              period.Cycle          `json:"cycle"`
}

// Validate rejects plans that reference unknown providers or lack a usable
// billing cycle.
func (p *Plan) Validate() error {
	if err := p.Cycle.Validate(); err != nil {
		return fmt.Errorf("plan %s: %w", p.ID, err)
	}
	for _, id := range p.AllowedProviders {
		if _, err := provider.ParseID(string(id)); err != nil {
			return fmt.Errorf("plan %s: %w", p.ID, err)
		}
	}
	for id := range p.ProviderTokenQuota {
		if _, err := provider.ParseID(string(id)); err != nil {
			return fmt.Errorf("plan %s: %w", p.ID, err)
		}
	}
	return nil
}

func (p *Plan) Limits() quota.Limits {
	return quota.Limits{
		Queries:        p.QueryQuota,
		Tokens:         p.TokenQuota,
		ProviderTokens: p.ProviderTokenQuota,
	}
}

type Subscription struct {
	TenantID string    `json:"tenant_id"`
	PlanID   string    `json:"plan_id"`
	Anchor   time.Time `json:"anchor"` // subscription start; periods repeat from here
	Plan     Plan      `json:"plan"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (s *Subscription) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (s *Subscription) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

func (s *Subscription) Period(now time.Time) (period.Period, error) {
	return period.Resolve(s.TenantID, s.Anchor, s.Plan.Cycle, now)
}

type Store interface {
	GetSubscription(ctx context.Context, tenantID string) (*Subscription, error)
}

// StaticStore serves subscriptions from memory.
type StaticStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

func NewStaticStore(subs ...Subscription) *StaticStore {
	s := &StaticStore{subs: make(map[string]Subscription, len(subs))}
	for _, sub := range subs {
		s.subs[sub.TenantID] = sub
	}
	return s
}

func (s *StaticStore) Put(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.TenantID] = sub
}

func (s *StaticStore) GetSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return &sub, nil
}
