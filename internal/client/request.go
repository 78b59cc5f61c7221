package client

import (
	"net/url"
	"time"
)

// Request describes one API call. Retries and refresh replays reuse the
// same Request; the attempt counter lives in the retry loop.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any

	// SkipAuth sends the request without an Authorization header and
	// never refreshes on 401.
	SkipAuth bool
	// SkipAuthError returns auth failures without clearing the session.
	SkipAuthError bool
	// SkipErrorHandler suppresses user-facing notices.
	SkipErrorHandler bool

	// RetryCount < 0 uses the client default.
	RetryCount int
	// RetryDelay <= 0 uses the client default.
	RetryDelay time.Duration
	// Timeout <= 0 uses the client default; it applies to each attempt.
	Timeout time.Duration
}

// RequestOption adjusts a Request built by the helpers on Client.
type RequestOption func(*Request)

// NewRequest builds a Request with client defaults for retries and timeout.
func NewRequest(method, path string, opts ...RequestOption) *Request {
	r := &Request{Method: method, Path: path, RetryCount: -1}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func WithSkipAuth() RequestOption {
	return func(r *Request) { r.SkipAuth = true }
}

func WithSkipAuthError() RequestOption {
	return func(r *Request) { r.SkipAuthError = true }
}

func WithSkipErrorHandler() RequestOption {
	return func(r *Request) { r.SkipErrorHandler = true }
}

// WithRetry overrides the retry budget and base delay.
func WithRetry(count int, delay time.Duration) RequestOption {
	return func(r *Request) {
		r.RetryCount = count
		r.RetryDelay = delay
	}
}

func WithTimeout(d time.Duration) RequestOption {
	return func(r *Request) { r.Timeout = d }
}
