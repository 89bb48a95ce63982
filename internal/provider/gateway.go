package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxAttempts      = 4
	defaultMaxElapsed       = 20 * time.Second
	defaultInitialInterval  = 250 * time.Millisecond
	defaultFailureThreshold = 5
	defaultCoolDown         = 15 * time.Second
)

// GatewayOptions tunes retry and circuit-breaker behavior. Zero values take
// the package defaults.
type GatewayOptions struct {
	MaxAttempts      int           // total attempts including the first
	MaxElapsed       time.Duration // cap on total retry time per call
	InitialInterval  time.Duration // first backoff interval
	FailureThreshold int           // consecutive failures before the circuit opens
	CoolDown         time.Duration // open-circuit cool-down before the probe
}

func (o GatewayOptions) withDefaults() GatewayOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = defaultMaxElapsed
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = defaultInitialInterval
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = defaultFailureThreshold
	}
	if o.CoolDown <= 0 {
		o.CoolDown = defaultCoolDown
	}
	return o
}

// Gateway is the resilient wrapper around one injected Completer. Transient
// failures are retried with exponential backoff and jitter; every call passes
// through a process-wide circuit breaker.
type Gateway struct {
	completer Completer
	breaker   *Breaker
	opts      GatewayOptions
	logger    *slog.Logger
}

// NewGateway creates a Gateway around the given completer.
func NewGateway(completer Completer, opts GatewayOptions, logger *slog.Logger) (*Gateway, error) {
	if completer == nil {
		return nil, errors.New("provider: completer must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Gateway{
		completer: completer,
		breaker:   NewBreaker(opts.FailureThreshold, opts.CoolDown),
		opts:      opts,
		logger:    logger,
	}, nil
}

// BreakerState exposes the circuit state for health checks.
func (g *Gateway) BreakerState() BreakerState { return g.breaker.State() }

// Generate runs a non-streaming completion. RateLimited, Timeout, and
// Unavailable failures are retried up to MaxAttempts within MaxElapsed;
// InvalidRequest fails immediately since it indicates a caller bug.
func (g *Gateway) Generate(ctx context.Context, req Request) (Result, error) {
	var res Result
	attempt := 0

	op := func() error {
		attempt++
		if !g.breaker.Allow() {
			return backoff.Permanent(&Error{Kind: KindUnavailable, Message: "circuit breaker open"})
		}
		r, err := g.completer.Complete(ctx, req)
		if err != nil {
			g.breaker.OnFailure()
			perr := Classify(err)
			if !perr.Kind.Retryable() {
				return backoff.Permanent(perr)
			}
			g.logger.Warn("provider call failed",
				"kind", perr.Kind, "attempt", attempt, "model", req.Model)
			return perr
		}
		g.breaker.OnSuccess()
		res = r
		return nil
	}

	if err := backoff.Retry(op, g.newBackOff(ctx)); err != nil {
		return Result{}, Classify(err)
	}
	return res, nil
}

// GenerateStream opens a streaming completion. The breaker guards stream
// establishment; mid-stream failures are surfaced to the consumer and are
// never retried by the gateway.
func (g *Gateway) GenerateStream(ctx context.Context, req Request) (Stream, error) {
	if !g.breaker.Allow() {
		return nil, &Error{Kind: KindUnavailable, Message: "circuit breaker open"}
	}
	s, err := g.completer.StreamComplete(ctx, req)
	if err != nil {
		g.breaker.OnFailure()
		return nil, Classify(err)
	}
	g.breaker.OnSuccess()
	return s, nil
}

func (g *Gateway) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.InitialInterval
	b.MaxElapsedTime = g.opts.MaxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.opts.MaxAttempts-1)), ctx)
}

// Classify normalizes an arbitrary error into a *Error. Context expiry maps
// to Timeout so callers can distinguish deadline exhaustion from provider
// rejection.
func Classify(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Message: "call deadline exceeded", Err: err}
	}
	return &Error{Kind: KindUnknown, Message: "unclassified provider failure", Err: err}
}
