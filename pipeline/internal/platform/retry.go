package platform

import (
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryPolicy repeats RateLimited and Transient failures. The platform's retry-after is
// honored when given; otherwise the delay doubles from Floor up to Max. A retry-after
// longer than Max is not waited out: the error is returned so the caller can reschedule.
type RetryPolicy struct {
	MaxAttempts int
	Floor       time.Duration
	Max         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Floor: time.Second, Max: time.Minute}
}

func (p RetryPolicy) bounds() (floor, max time.Duration) {
	floor = p.Floor
	if floor <= 0 {
		floor = time.Second
	}
	max = p.Max
	if max <= 0 {
		max = time.Minute
	}
	return floor, max
}

// Backoff is the delay before retry number attempt (1-based) of err.
func (p RetryPolicy) Backoff(err error, attempt int) time.Duration {
	if d, ok := RetryAfter(err); ok {
		return d
	}
	floor, max := p.bounds()
	d := floor
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// NewRetryExecutor builds the failsafe executor for p. Executors are safe to share
// between goroutines.
func NewRetryExecutor[T any](p RetryPolicy) failsafe.Executor[T] {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	floor, max := p.bounds()
	builder := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool { return Retryable(err) }).
		AbortIf(func(_ T, err error) bool {
			d, ok := RetryAfter(err)
			return ok && d > max
		}).
		WithMaxAttempts(attempts).
		WithDelayFunc(func(exec failsafe.ExecutionAttempt[T]) time.Duration {
			if d, ok := RetryAfter(exec.LastError()); ok {
				return d
			}
			return p.Backoff(exec.LastError(), exec.Attempts())
		}).
		ReturnLastFailure()
	if max > floor {
		builder = builder.WithBackoff(floor, max)
	} else {
		builder = builder.WithDelay(floor)
	}
	return failsafe.With[T](builder.Build())
}
