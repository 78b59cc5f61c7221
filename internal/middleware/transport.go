package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"stockdesk/internal/pkg/logger"
)

const (
	HeaderRequestID      = "X-Request-ID"
	HeaderAcceptLanguage = "Accept-Language"
)

// Tripper wraps an outbound transport.
type Tripper func(http.RoundTripper) http.RoundTripper

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// Chain wraps base with the given trippers; the first one runs outermost.
func Chain(base http.RoundTripper, trippers ...Tripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	for i := len(trippers) - 1; i >= 0; i-- {
		base = trippers[i](base)
	}
	return base
}

type skipAuthKey struct{}

// WithoutAuth marks ctx so BearerAuth leaves the request untouched.
func WithoutAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipAuthKey{}, true)
}

func authSkipped(ctx context.Context) bool {
	v, _ := ctx.Value(skipAuthKey{}).(bool)
	return v
}

// BearerAuth sets the Authorization header from token, which is called for
// every request so a refreshed token is picked up immediately.
func BearerAuth(token func() string) Tripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if authSkipped(req.Context()) {
				return next.RoundTrip(req)
			}
			tok := token()
			if tok == "" {
				return next.RoundTrip(req)
			}
			req = req.Clone(req.Context())
			req.Header.Set("Authorization", "Bearer "+tok)
			return next.RoundTrip(req)
		})
	}
}

// RequestID tags every attempt with a fresh correlation id.
func RequestID() Tripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			req = req.Clone(req.Context())
			req.Header.Set(HeaderRequestID, uuid.NewString())
			return next.RoundTrip(req)
		})
	}
}

// Language sets Accept-Language from the current UI language.
func Language(lang func() string) Tripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if l := lang(); l != "" {
				req = req.Clone(req.Context())
				req.Header.Set(HeaderAcceptLanguage, l)
			}
			return next.RoundTrip(req)
		})
	}
}

// NoCache disables intermediary caching of API responses.
func NoCache() Tripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			req = req.Clone(req.Context())
			req.Header.Set("Cache-Control", "no-cache")
			req.Header.Set("Pragma", "no-cache")
			return next.RoundTrip(req)
		})
	}
}

// Logging logs each attempt at debug level and failures at warn.
func Logging(log *slog.Logger) Tripper {
	log = logger.OrDiscard(log)
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.RoundTrip(req)

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				logger.RequestID(req.Header.Get(HeaderRequestID)),
				logger.Latency(time.Since(start)),
			}
			switch {
			case err != nil:
				log.Warn("api request failed", append(attrs, logger.Error(err))...)
			case resp.StatusCode >= http.StatusBadRequest:
				log.Warn("api request", append(attrs, "status", resp.StatusCode)...)
			default:
				log.Debug("api request", append(attrs, "status", resp.StatusCode)...)
			}
			return resp, err
		})
	}
}
