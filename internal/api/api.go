// Package api wraps the backend endpoints the client consumes in typed
// calls over the request pipeline.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"stockdesk/internal/client"
	"stockdesk/internal/pkg/response"
)

// API groups the typed endpoint wrappers.
type API struct {
	Auth          *Auth
	Notifications *Notifications
	System        *System
	Stocks        *Stocks
}

func New(c *client.Client) *API {
	return &API{
		Auth:          &Auth{c: c},
		Notifications: &Notifications{c: c},
		System:        &System{c: c},
		Stocks:        &Stocks{c: c},
	}
}

// decode unmarshals the envelope data of a successful call into a T.
func decode[T any](env *response.Envelope, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	var v T
	if err := env.Decode(&v); err != nil {
		if errors.Is(err, response.ErrNoData) {
			return nil, err
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &v, nil
}

func escape(segment string) string {
	return url.PathEscape(segment)
}

const HealthTimeout = 5 * time.Second

type System struct {
	c *client.Client
}

// HealthStatus is the body of /api/health.
type HealthStatus struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Health probes the backend quickly and quietly: five seconds, no retries
// and no user notice on failure.
func (s *System) Health(ctx context.Context) (*HealthStatus, error) {
	return decode[HealthStatus](s.c.Get(ctx, "/api/health", nil,
		client.WithTimeout(HealthTimeout),
		client.WithSkipErrorHandler(),
		client.WithRetry(0, 0),
	))
}
