// Package retry wraps arbitrary operations with retry, exponential backoff
// and per-operation circuit breaking. It knows nothing about stages or
// pipelines; the engine supplies the operation name, the policy resolved from
// the pipeline config, and an optional retryability classifier.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/flowline-dev/flowline/internal/ctxlog"
)

// Classifier decides whether an error is worth retrying. A nil classifier
// retries everything not marked Permanent, which matches the default taxonomy:
// transient failures dominate the external calls stages wrap.
type Classifier func(error) bool

// Operation is the unit of work placed under retry.
type Operation func(ctx context.Context) (any, error)

// Policy is the resolved retry configuration for one operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps the exponential backoff; zero means uncapped.
	MaxDelay time.Duration
	// Timeout bounds each individual attempt; zero means unbounded. An
	// attempt that hits the timeout counts as one retryable failure.
	Timeout time.Duration
}

// Service executes operations under a shared circuit breaker.
type Service struct {
	breaker *Breaker
}

// New returns a Service using the given breaker. A nil breaker gets the
// default tuning.
func New(breaker *Breaker) *Service {
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	return &Service{breaker: breaker}
}

// Breaker exposes the underlying circuit breaker, mainly for observability.
func (s *Service) Breaker() *Breaker { return s.breaker }

// Do runs fn under the policy, returning its result and the number of
// attempts consumed.
//
// Non-retryable errors propagate on the first attempt without touching the
// circuit. Retryable failures count against both the attempt budget and the
// circuit; once the circuit for op is open, attempts short-circuit with a
// CircuitOpenError without invoking fn. Backoff waits are cancellable: a
// context cancellation during the wait surfaces as the context's error, not
// as an operation failure.
func (s *Service) Do(ctx context.Context, op string, policy Policy, classify Classifier, fn Operation) (any, int, error) {
	logger := ctxlog.FromContext(ctx).With("operation", op)
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, err
		}

		err := s.breaker.Allow(op)
		if err == nil {
			var out any
			out, err = s.invoke(ctx, policy, fn)
			if err == nil {
				s.breaker.RecordSuccess(op)
				return out, attempt, nil
			}
			if err = s.normalize(ctx, err); err == ctx.Err() && err != nil {
				return nil, attempt, err
			}
			if !retryable(err, classify) {
				logger.Debug("non-retryable failure", "attempt", attempt, "error", err)
				return nil, attempt, err
			}
			s.breaker.RecordFailure(op)
		} else {
			logger.Debug("short-circuited", "attempt", attempt, "error", err)
		}
		lastErr = err

		if attempt >= policy.MaxAttempts {
			return nil, attempt, &ExhaustedError{Operation: op, Attempts: attempt, Err: lastErr}
		}

		delay := backoff(policy, attempt)
		logger.Debug("retrying after backoff", "attempt", attempt, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
}

// invoke runs one attempt, applying the per-attempt timeout when configured.
func (s *Service) invoke(ctx context.Context, policy Policy, fn Operation) (any, error) {
	if policy.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()
	return fn(attemptCtx)
}

// normalize maps an attempt-timeout into a retryable error while letting a
// genuine run cancellation through untouched.
func (s *Service) normalize(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return RetryableErr(err)
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return ctx.Err()
	}
	return err
}

func retryable(err error, classify Classifier) bool {
	if IsPermanent(err) {
		return false
	}
	if IsRetryable(err) || IsCircuitOpen(err) {
		return true
	}
	if classify != nil {
		return classify(err)
	}
	return true
}

// backoff computes BaseDelay * 2^(attempt-1), capped at MaxDelay.
func backoff(policy Policy, attempt int) time.Duration {
	delay := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
