package platform

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthInvalid reports that the platform refused the access token.
var ErrAuthInvalid = errors.New("platform authorization invalid")

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

type TransientError struct {
	Detail string
}

func (e *TransientError) Error() string {
	return "transient platform failure: " + e.Detail
}

// RejectedError is a platform-side refusal (spam filter, locked thread, banned
// account). It is never retried automatically.
type RejectedError struct {
	Detail string
}

func (e *RejectedError) Error() string {
	return "rejected by platform: " + e.Detail
}

// Kind classifies err for logs and metrics.
func Kind(err error) string {
	var (
		rl *RateLimitedError
		tr *TransientError
		rj *RejectedError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthInvalid):
		return "auth_invalid"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &tr):
		return "transient"
	case errors.As(err, &rj):
		return "rejected"
	}
	return "error"
}

// Retryable reports whether the caller may repeat the call after RetryAfter.
func Retryable(err error) bool {
	var (
		rl *RateLimitedError
		tr *TransientError
	)
	return errors.As(err, &rl) || errors.As(err, &tr)
}

// RetryAfter returns the delay the platform asked for, or false when it did not say.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
