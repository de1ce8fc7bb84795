// Package billing persists one immutable record per finished query and keeps
// per-day aggregates in step with those records.
package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/query-gateway/internal/provider"
)

var ErrPersistence = errors.New("usage persistence failed")

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// QueryRecord is written once and never updated. CreatedAt is set by the
// component that finishes the query, not by the store.
type QueryRecord struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	RequestID    string          `json:"request_id"`
	PeriodID     string          `json:"period_id"`
	PromptHash   string          `json:"prompt_hash"`
	Provider     provider.ID     `json:"provider,omitempty"` // empty when no provider succeeded
	Model        string          `json:"model,omitempty"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost_usd"`
	Outcome      Outcome         `json:"outcome"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Attempts     int             `json:"attempts"`
	LatencyMs    int64           `json:"latency_ms"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (r *QueryRecord) Tokens() int64 {
	return int64(r.InputTokens + r.OutputTokens)
}

// Day is the UTC calendar day the record is aggregated under.
func (r *QueryRecord) Day() time.Time {
	return DayOf(r.CreatedAt)
}

func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// HashPrompt is stored in place of the prompt text.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

type DailyAggregate struct {
	TenantID         string                `json:"tenant_id"`
	Day              time.Time             `json:"day"`
	TotalQueries     int64                 `json:"total_queries"`
	FailedQueries    int64                 `json:"failed_queries"`
	TokensByProvider map[provider.ID]int64 `json:"tokens_by_provider"`
	TotalCost        decimal.Decimal       `json:"total_cost_usd"`
}

type Store interface {
	// Apply appends rec and folds it into its daily aggregate as one unit.
	// It reports false, leaving everything unchanged, when rec.ID was already
	// applied.
	Apply(ctx context.Context, rec *QueryRecord) (bool, error)
	ListRecords(ctx context.Context, tenantID string, from, to time.Time) ([]*QueryRecord, error)
	DailyAggregates(ctx context.Context, tenantID string, from, to time.Time) ([]*DailyAggregate, error)
	TotalCost(ctx context.Context, tenantID string, from, to time.Time) (decimal.Decimal, error)
}
