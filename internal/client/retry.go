package client

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultRetryCount = 2
	DefaultRetryDelay = time.Second
)

// RetryPolicy retries a request a bounded number of times with a linearly
// growing delay: base, 2*base, 3*base...
type RetryPolicy struct {
	Count     int
	BaseDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Count: DefaultRetryCount, BaseDelay: DefaultRetryDelay}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.Count < 0 {
		p.Count = 0
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	return p
}

// Delay is the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

// backoff returns a go-retry Backoff for one request. notify, when set, is
// called with each retry number and its delay before the wait starts.
func (p RetryPolicy) backoff(notify func(attempt int, delay time.Duration)) retry.Backoff {
	var attempt int64
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		n := int(atomic.AddInt64(&attempt, 1))
		d := p.Delay(n)
		if notify != nil {
			notify(n, d)
		}
		return d, false
	})
	if p.Count <= 0 {
		return retry.BackoffFunc(func() (time.Duration, bool) { return 0, true })
	}
	return retry.WithMaxRetries(uint64(p.Count), linear)
}

// Retryable reports whether err is a transient failure worth another try:
// timeouts, connection failures and 502/503/504 responses.
func Retryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return retryableStatus(httpErr.Status)
	}
	return false
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// runWithRetry calls fn until it succeeds, fails permanently or the policy
// is exhausted. Attempts run one after another on the caller's goroutine.
func runWithRetry(ctx context.Context, p RetryPolicy, notify func(int, time.Duration), fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p.backoff(notify), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
