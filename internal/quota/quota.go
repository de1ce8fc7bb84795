// Package quota is the admission ledger for tenant usage.
//
// A request is admitted by reserving an estimate before any provider is
// called, then either committed with the measured token count or released.
// Admission is decided on the estimate; a commit may push committed tokens
// past the cap when the provider used more than estimated. That overshoot is
// bounded by the estimation error of the requests in flight when the cap was
// reached, and no reservation is ever admitted once committed usage has hit
// the cap.
//
// Per-provider caps are enforced the same way: before an attempt the router
// claims the provider for the reservation, which counts the estimate against
// that provider until the reservation settles or claims another provider.
//
// A plan whose token quota is below the smallest possible estimate (prompt
// plus the default completion allowance) never admits a query.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vnmchuo/query-gateway/internal/period"
	"github.com/vnmchuo/query-gateway/internal/provider"
)

// Unlimited disables a quota dimension.
const Unlimited int64 = -1

var (
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrPeriodClosed       = errors.New("billing period closed")
	ErrUnknownReservation = errors.New("reservation not outstanding")
	ErrInvalidTokens      = errors.New("token count must not be negative")
)

// ExceededError names the dimension that refused admission.
type ExceededError struct {
	TenantID  string
	Dimension string // "queries", "tokens"
	Limit     int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for tenant %s: %s limit %d", e.TenantID, e.Dimension, e.Limit)
}

func (e *ExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

type Limits struct {
	Queries int64
	Tokens  int64
	// ProviderTokens caps committed tokens per provider. Providers absent
	// from the map are only bound by Tokens.
	ProviderTokens map[provider.ID]int64
}

// within reports used+want <= limit without overflowing. used and want are
// never negative.
func within(used, want, limit int64) bool {
	return limit == Unlimited || (want <= limit && used <= limit-want)
}

type Request struct {
	Period          period.Period
	Limits          Limits
	EstimatedTokens int64
}

// Reservation is the handle returned by Reserve. Treat it as opaque.
type Reservation struct {
	ID        string
	TenantID  string
	PeriodID  string
	Tokens    int64
	ExpiresAt time.Time

	providerLimits map[provider.ID]int64
}

// Usage is a point-in-time view of one tenant's counter.
type Usage struct {
	TenantID         string
	PeriodID         string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	Queries          int64
	Tokens           int64
	TokensByProvider map[provider.ID]int64
	ReservedQueries  int64
	ReservedTokens   int64

	// ClaimedByProvider is the reserved tokens held against capped providers.
	ClaimedByProvider map[provider.ID]int64
}

type Ledger interface {
	// Reserve admits one query with an estimated token cost, or fails with
	// ErrQuotaExceeded leaving the counter untouched.
	Reserve(ctx context.Context, req Request) (*Reservation, error)
	// Commit converts the reservation into committed usage of actualTokens
	// against p, dropping any provider claim.
	Commit(ctx context.Context, r *Reservation, p provider.ID, actualTokens int64) error
	// Release drops the reservation and its provider claim. Releasing a
	// settled or expired reservation is a no-op.
	Release(ctx context.Context, r *Reservation) error
	// ClaimProvider moves the reservation's provider claim to p. For a capped
	// p it succeeds only if committed plus claimed tokens on p plus the
	// estimate stay within the cap; on refusal the reservation holds no claim.
	// Fails with ErrUnknownReservation once the reservation is gone.
	ClaimProvider(ctx context.Context, r *Reservation, p provider.ID) (bool, error)
	Usage(ctx context.Context, tenantID string, per period.Period) (*Usage, error)
}

func validTokens(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTokens, n)
	}
	return nil
}

func copyLimits(m map[provider.ID]int64) map[provider.ID]int64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[provider.ID]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func accountKey(tenantID, periodID string) string {
	return tenantID + "|" + periodID
}
