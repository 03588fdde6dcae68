package gateway

import (
	"context"
	"errors"
	"fmt"
	"github.com/sony/gobreaker"
	"time"
)

// Guarded wraps a Client with a per-call timeout and a circuit breaker. Only
// ErrUnavailable failures count against the breaker; an open breaker is
// reported as ErrUnavailable so callers keep a single retry signal.
type Guarded struct {
	next    Client
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

var _ Client = (*Guarded)(nil)

type GuardOptions struct {
	Name             string
	Timeout          time.Duration // per call
	OpenFor          time.Duration // how long the breaker stays open
	ConsecutiveFails uint32
}

func Guard(next Client, opt GuardOptions) *Guarded {
	if opt.Name == "" {
		opt.Name = "payment-gateway"
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 30 * time.Second
	}
	if opt.ConsecutiveFails == 0 {
		opt.ConsecutiveFails = 5
	}
	fails := opt.ConsecutiveFails
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opt.Name,
		MaxRequests: 1,
		Timeout:     opt.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
	})
	return &Guarded{next: next, cb: cb, timeout: opt.Timeout}
}

func guarded[T any](g *Guarded, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.cb.Execute(func() (interface{}, error) {
		v, err := fn(ctx)
		if err != nil && ctx.Err() != nil && !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

func (g *Guarded) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	return guarded(g, ctx, func(ctx context.Context) (*Intent, error) { return g.next.CreateIntent(ctx, req) })
}

func (g *Guarded) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error) {
	return guarded(g, ctx, func(ctx context.Context) (*Session, error) { return g.next.CreateCheckoutSession(ctx, req) })
}

func (g *Guarded) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	return guarded(g, ctx, func(ctx context.Context) (*Intent, error) { return g.next.RetrieveIntent(ctx, id) })
}

func (g *Guarded) RetrieveSession(ctx context.Context, id string) (*Session, error) {
	return guarded(g, ctx, func(ctx context.Context) (*Session, error) { return g.next.RetrieveSession(ctx, id) })
}

func (g *Guarded) CancelIntent(ctx context.Context, id string) (*Intent, error) {
	return guarded(g, ctx, func(ctx context.Context) (*Intent, error) { return g.next.CancelIntent(ctx, id) })
}

func (g *Guarded) ExpireSession(ctx context.Context, id string) (*Session, error) {
	return guarded(g, ctx, func(ctx context.Context) (*Session, error) { return g.next.ExpireSession(ctx, id) })
}

// VerifyAndParseEvent is local work and bypasses the breaker.
func (g *Guarded) VerifyAndParseEvent(payload []byte, sigHeader, secret string) (Event, error) {
	return g.next.VerifyAndParseEvent(payload, sigHeader, secret)
}

func (g *Guarded) State() gobreaker.State { return g.cb.State() }
