package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingOp always fails with err and records the time of each invocation.
type failingOp struct {
	mu    sync.Mutex
	times []time.Time
	err   error
}

func (f *failingOp) run(ctx context.Context) (any, error) {
	f.mu.Lock()
	f.times = append(f.times, time.Now())
	f.mu.Unlock()
	return nil, f.err
}

func (f *failingOp) invocations() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.times...)
}

func TestRetryMath(t *testing.T) {
	s := New(NewBreaker(100, time.Minute))
	op := &failingOp{err: RetryableErr(errors.New("flaky"))}

	policy := Policy{MaxAttempts: 4, BaseDelay: 20 * time.Millisecond}
	_, attempts, err := s.Do(context.Background(), "x", policy, nil, op.run)

	require.Error(t, err)
	assert.Equal(t, 4, attempts)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)

	// Delays double: ~20ms, ~40ms, ~80ms between the four invocations.
	times := op.invocations()
	require.Len(t, times, 4)
	expected := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond}
	for i, want := range expected {
		gap := times[i+1].Sub(times[i])
		assert.GreaterOrEqual(t, gap, want, "gap %d too short", i)
		assert.Less(t, gap, want+50*time.Millisecond, "gap %d too long", i)
	}
}

func TestNonRetryableShortCircuit(t *testing.T) {
	s := New(nil)
	op := &failingOp{err: PermanentErr(errors.New("bad credentials"))}

	_, attempts, err := s.Do(context.Background(), "x", Policy{MaxAttempts: 10, BaseDelay: time.Millisecond}, nil, op.run)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Len(t, op.invocations(), 1)
	assert.True(t, IsPermanent(err))
}

func TestClassifierDecides(t *testing.T) {
	s := New(NewBreaker(100, time.Minute))
	op := &failingOp{err: errors.New("unmarked")}
	classify := func(err error) bool { return false }

	_, attempts, err := s.Do(context.Background(), "x", Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, classify, op.run)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestBreakerShortCircuitsWithoutInvoking(t *testing.T) {
	s := New(NewBreaker(2, time.Minute))
	op := &failingOp{err: RetryableErr(errors.New("down"))}

	// Two failures open the circuit.
	_, _, err := s.Do(context.Background(), "x", Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, nil, op.run)
	require.Error(t, err)
	require.Len(t, op.invocations(), 2)
	require.Equal(t, Open, s.Breaker().State("x"))

	// Further attempts consume budget without invoking the operation.
	_, attempts, err := s.Do(context.Background(), "x", Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil, op.run)
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, op.invocations(), 2, "open circuit must not invoke the operation")

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.True(t, IsCircuitOpen(exhausted.Err))
}

func TestBackoffWaitIsCancellable(t *testing.T) {
	s := New(NewBreaker(100, time.Minute))
	op := &failingOp{err: RetryableErr(errors.New("flaky"))}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := s.Do(ctx, "x", Policy{MaxAttempts: 5, BaseDelay: 10 * time.Second}, nil, op.run)

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "cancellation must interrupt the backoff sleep")
	assert.Len(t, op.invocations(), 1)
}

func TestAttemptTimeoutIsRetryable(t *testing.T) {
	s := New(NewBreaker(100, time.Minute))

	var calls int
	slow := func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "ok", nil
	}

	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Timeout: 20 * time.Millisecond}
	out, attempts, err := s.Do(context.Background(), "x", policy, nil, slow)

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, attempts, "the timed-out attempt counts as one retryable attempt")
}

func TestBackoffCap(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, backoff(p, 1))
	assert.Equal(t, 2*time.Second, backoff(p, 2))
	assert.Equal(t, 3*time.Second, backoff(p, 3))
	assert.Equal(t, 3*time.Second, backoff(p, 10))
}

func TestSuccessAfterRetries(t *testing.T) {
	s := New(NewBreaker(100, time.Minute))

	var calls int
	flaky := func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, RetryableErr(errors.New("not yet"))
		}
		return "done", nil
	}

	out, attempts, err := s.Do(context.Background(), "x", Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, nil, flaky)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, Closed, s.Breaker().State("x"))
}
