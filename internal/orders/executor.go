package orders

import (
	"context"
	"errors"
	"time"

	"lv-tradehook/internal/metrics"
	"lv-tradehook/internal/model"
	"lv-tradehook/internal/sessions"
	"lv-tradehook/internal/venue"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Initial: time.Second, Max: 10 * time.Second}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// Executor places market orders on a pooled session, retrying network
// failures with exponential backoff. Venue rejections are returned at once.
type Executor struct {
	policy  RetryPolicy
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewExecutor(policy RetryPolicy, log *zap.Logger, m *metrics.Metrics) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Executor{policy: policy, log: log, metrics: m}
}

func (e *Executor) Execute(ctx context.Context, s *sessions.Session, symbol, side string, amount decimal.Decimal) (model.OrderResult, error) {
	attempt := 0
	op := func() (model.OrderResult, error) {
		attempt++
		res, err := e.place(ctx, s, symbol, side, amount)
		switch {
		case err == nil:
			e.metrics.OrderAttempt(s.Venue(), "success")
			return res, nil
		case venue.IsTransient(err):
			e.metrics.OrderAttempt(s.Venue(), "transient")
			return res, err
		default:
			e.metrics.OrderAttempt(s.Venue(), "business")
			return res, backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		e.log.Warn("order attempt failed, retrying",
			zap.String("venue", s.Venue()),
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(e.policy.backOff()),
		backoff.WithMaxTries(uint(e.policy.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return model.OrderResult{}, unwrapPermanent(err)
	}
	return res, nil
}

func (e *Executor) place(ctx context.Context, s *sessions.Session, symbol, side string, amount decimal.Decimal) (model.OrderResult, error) {
	if _, err := s.Markets(ctx); err != nil {
		return model.OrderResult{}, err
	}
	return s.Client().CreateMarketOrder(ctx, symbol, side, amount)
}

// backoff.Retry already unwraps *PermanentError; this covers wrapping done by
// callers of the operation.
func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
