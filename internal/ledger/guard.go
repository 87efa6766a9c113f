package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"certchain/pkg/platform/circuit"
)

const (
	defaultSubmitTimeout       = 10 * time.Second
	defaultConfirmationTimeout = 5 * time.Second
	defaultMaxAttempts         = 3
	defaultInitialBackoff      = 200 * time.Millisecond
)

// Guard wraps a Client with per-call timeouts, bounded exponential retry of
// retryable errors and a circuit breaker shared by both operations.
type Guard struct {
	client         Client
	breaker        *circuit.Breaker
	submitTimeout  time.Duration
	confirmTimeout time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	logger         *slog.Logger
}

type GuardOption func(*Guard)

func WithTimeouts(submit, confirmation time.Duration) GuardOption {
	return func(g *Guard) {
		if submit > 0 {
			g.submitTimeout = submit
		}
		if confirmation > 0 {
			g.confirmTimeout = confirmation
		}
	}
}

// WithMaxAttempts bounds Submit attempts per call, the first one included.
func WithMaxAttempts(n int) GuardOption {
	return func(g *Guard) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

func WithInitialBackoff(d time.Duration) GuardOption {
	return func(g *Guard) { g.initialBackoff = d }
}

func WithBreaker(b *circuit.Breaker) GuardOption {
	return func(g *Guard) { g.breaker = b }
}

func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

func NewGuard(client Client, opts ...GuardOption) *Guard {
	g := &Guard{
		client:         client,
		submitTimeout:  defaultSubmitTimeout,
		confirmTimeout: defaultConfirmationTimeout,
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = circuit.New(client.Network())
	}
	return g
}

func (g *Guard) Network() string { return g.client.Network() }

// BreakerState reports the circuit state for health endpoints.
func (g *Guard) BreakerState() circuit.State { return g.breaker.State() }

// Submit retries retryable failures with exponential backoff. A rejected
// payload is returned immediately.
func (g *Guard) Submit(ctx context.Context, payload Payload) (*Submission, error) {
	var sub *Submission
	err := g.retry(ctx, "submit", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.submitTimeout)
		defer cancel()
		var err error
		sub, err = g.client.Submit(callCtx, payload)
		return g.classify(callCtx, "submit", err)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetConfirmation makes a single attempt; the reconciler polls again on its
// next tick.
func (g *Guard) GetConfirmation(ctx context.Context, txHash string) (*Confirmation, error) {
	if !g.breaker.Allow() {
		return nil, NewError(g.Network(), "get_confirmation", CategoryCircuitOpen, nil)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()
	conf, err := g.client.GetConfirmation(callCtx, txHash)
	if err = g.classify(callCtx, "get_confirmation", err); err != nil {
		g.recordFailure(err)
		return nil, err
	}
	g.recordSuccess()
	return conf, nil
}

func (g *Guard) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.initialBackoff
	policy.MaxElapsedTime = 0
	var b backoff.BackOff = backoff.WithMaxRetries(policy, uint64(g.maxAttempts-1)) //nolint:gosec // maxAttempts >= 1
	b = backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if !g.breaker.Allow() {
			return backoff.Permanent(NewError(g.Network(), op, CategoryCircuitOpen, nil))
		}
		err := fn(ctx)
		if err == nil {
			g.recordSuccess()
			return nil
		}
		g.recordFailure(err)
		if !IsRetryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		g.logger.WarnContext(ctx, "ledger call failed, retrying",
			"network", g.Network(),
			"op", op,
			"attempt", attempt,
			"error", err,
		)
		return err
	}, b)
}

// classify makes sure every failure leaving the guard is a *Error.
func (g *Guard) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(g.Network(), op, CategoryTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(g.Network(), op, CategoryInternal, err)
	}
	return NewError(g.Network(), op, CategoryUnavailable, err)
}

// Only infrastructure failures count against the breaker; a rejected
// payload says nothing about network health.
func (g *Guard) recordFailure(err error) {
	if !IsRetryable(err) {
		return
	}
	if _, change := g.breaker.RecordFailure(); change.Opened {
		g.logger.Warn("ledger circuit opened", "network", g.Network())
	}
}

func (g *Guard) recordSuccess() {
	if _, change := g.breaker.RecordSuccess(); change.Closed {
		g.logger.Info("ledger circuit closed", "network", g.Network())
	}
}
