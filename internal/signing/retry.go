package signing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/apperrors"
)

// RetryPolicy bounds retries of container signing.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy allows three attempts one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Second}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the production Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrier re-runs an operation that failed with a transient engine error.
// Every other error is returned after the first attempt.
type Retrier struct {
	policy    RetryPolicy
	sleep     Sleeper
	logger    *zap.Logger
	onAttempt func(err error)
}

func NewRetrier(policy RetryPolicy, sleep Sleeper, logger *zap.Logger) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if sleep == nil {
		sleep = ContextSleep
	}
	return &Retrier{policy: policy, sleep: sleep, logger: logger}
}

// OnAttempt registers a hook called with each attempt's result.
func (r *Retrier) OnAttempt(fn func(err error)) *Retrier {
	r.onAttempt = fn
	return r
}

// Do runs fn until it succeeds, fails with a non-transient error or the
// attempt budget is spent. It returns the number of attempts made and the
// last error.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var err error
	attempt := 0
	for attempt < r.policy.MaxAttempts {
		attempt++
		err = fn(ctx)
		if r.onAttempt != nil {
			r.onAttempt(err)
		}
		if err == nil || !apperrors.IsTransient(err) {
			return attempt, err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}
		r.logger.Warn("Signing engine not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.Duration("backoff", r.policy.Backoff),
			zap.Error(err))
		if serr := r.sleep(ctx, r.policy.Backoff); serr != nil {
			return attempt, err
		}
	}
	return attempt, err
}
