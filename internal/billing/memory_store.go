package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/query-gateway/internal/provider"
)

// MemoryStore backs tests and single-process deployments without Postgres.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string]*QueryRecord
	order      []string
	aggregates map[string]*DailyAggregate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*QueryRecord),
		aggregates: make(map[string]*DailyAggregate),
	}
}

func aggregateKey(tenantID string, day time.Time) string {
	return tenantID + "|" + day.Format(time.DateOnly)
}

func (s *MemoryStore) Apply(ctx context.Context, rec *QueryRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.records[rec.ID]; dup {
		return false, nil
	}
	cp := *rec
	s.records[rec.ID] = &cp
	s.order = append(s.order, rec.ID)

	day := rec.Day()
	key := aggregateKey(rec.TenantID, day)
	agg, ok := s.aggregates[key]
	if !ok {
		agg = &DailyAggregate{
			TenantID:         rec.TenantID,
			Day:              day,
			TokensByProvider: make(map[provider.ID]int64),
			TotalCost:        decimal.Zero,
		}
		s.aggregates[key] = agg
	}
	agg.TotalQueries++
	if rec.Outcome == OutcomeFailed {
		agg.FailedQueries++
	}
	if rec.Provider != "" {
		agg.TokensByProvider[rec.Provider] += rec.Tokens()
	}
	agg.TotalCost = agg.TotalCost.Add(rec.Cost)
	return true, nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, tenantID string, from, to time.Time) ([]*QueryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*QueryRecord
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.records[s.order[i]]
		if r.TenantID != tenantID || r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) DailyAggregates(ctx context.Context, tenantID string, from, to time.Time) ([]*DailyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := DayOf(from), DayOf(to)
	var out []*DailyAggregate
	for _, a := range s.aggregates {
		if a.TenantID != tenantID || a.Day.Before(lo) || a.Day.After(hi) {
			continue
		}
		cp := *a
		cp.TokensByProvider = make(map[provider.ID]int64, len(a.TokensByProvider))
		for k, v := range a.TokensByProvider {
			cp.TokensByProvider[k] = v
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (s *MemoryStore) TotalCost(ctx context.Context, tenantID string, from, to time.Time) (decimal.Decimal, error) {
	records, _ := s.ListRecords(ctx, tenantID, from, to)
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Cost)
	}
	return total, nil
}
