package embedding

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Retrying wraps an Embedder with rate limiting and exponential backoff on transient errors.
type Retrying struct {
	next        Embedder
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger

	// timer drives the waits between attempts; nil uses a real timer.
	timer backoff.Timer
}

// NewRetrying creates the wrapper. perSecond <= 0 disables pacing; maxAttempts < 1 means one attempt.
func NewRetrying(next Embedder, maxAttempts int, perSecond float64, logger *slog.Logger) *Retrying {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	r := &Retrying{
		next:        next,
		maxAttempts: maxAttempts,
		baseDelay:   200 * time.Millisecond,
		maxDelay:    5 * time.Second,
		logger:      logger,
	}
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// policy is deterministic: no jitter and no elapsed-time cap, only the attempt count.
func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.baseDelay),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(r.maxDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.maxAttempts-1)), ctx)
}

func (r *Retrying) Embed(ctx context.Context, encoded []byte) ([]float32, error) {
	attempt := 0
	op := func() ([]float32, error) {
		attempt++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		vec, err := r.next.Embed(ctx, encoded)
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return vec, err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "embedding attempt failed, retrying",
			"attempt", attempt,
			"backoff", wait,
			"error", err,
		)
	}
	return backoff.RetryNotifyWithTimerAndData(op, r.policy(ctx), notify, r.timer)
}
