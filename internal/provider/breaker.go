package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	// Failures is the run of consecutive failures that opens the circuit.
	Failures uint32
	// Cooldown is how long the circuit stays open before a half-open probe.
	Cooldown time.Duration
	// OnStateChange, when set, observes every transition.
	OnStateChange func(p ID, from, to gobreaker.State)
}

// Breaker puts a circuit breaker in front of a Provider. Once open, Complete
// is refused without calling the provider until the cooldown passes; then a
// single probe is let through and its result closes or re-opens the circuit.
type Breaker struct {
	Provider
	cb *gobreaker.CircuitBreaker
}

func NewBreaker(p Provider, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	failures := cfg.Failures
	if failures == 0 {
		failures = 3
	}
	settings := gobreaker.Settings{
		Name:        string(p.Name()),
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A caller walking away or sending a bad request says nothing about
		// provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || KindOf(err) == KindInvalidRequest
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(p.Name(), from, to)
			}
		},
	}
	return &Breaker{Provider: p, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Complete(ctx context.Context, req *Request) (*Response, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.Provider.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Provider: b.Name(), Kind: KindUnavailable, Err: err}
		}
		return nil, FromTransport(b.Name(), err)
	}
	return result.(*Response), nil
}

// IsOpen is true while the circuit refuses calls. A half-open circuit reports
// false so the router sends it the probe.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
