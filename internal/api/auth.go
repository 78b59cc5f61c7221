package api

import (
	"context"

	"stockdesk/internal/client"
	"stockdesk/internal/modules/auth"
)

// Auth implements auth.Remote.
type Auth struct {
	c *client.Client
}

var _ auth.Remote = (*Auth)(nil)

// Login does not carry a token and must not start session recovery when
// the credentials are rejected.
func (a *Auth) Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResponse, error) {
	return decode[auth.LoginResponse](a.c.Post(ctx, "/api/auth/login", req,
		client.WithSkipAuth(),
		client.WithSkipAuthError(),
	))
}

func (a *Auth) Logout(ctx context.Context) error {
	_, err := a.c.Post(ctx, "/api/auth/logout", nil,
		client.WithSkipAuthError(),
		client.WithSkipErrorHandler(),
		client.WithRetry(0, 0),
	)
	return err
}

// Refresh is sent without the (possibly expired) access token; its
// failures are handled by the auth state.
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (*auth.RefreshResponse, error) {
	return decode[auth.RefreshResponse](a.c.Post(ctx, "/api/auth/refresh",
		auth.RefreshRequest{RefreshToken: refreshToken},
		client.WithSkipAuth(),
		client.WithSkipAuthError(),
		client.WithSkipErrorHandler(),
	))
}

func (a *Auth) Me(ctx context.Context) (*auth.User, error) {
	return decode[auth.User](a.c.Get(ctx, "/api/auth/me", nil))
}

func (a *Auth) UpdateMe(ctx context.Context, req auth.UpdateUserRequest) (*auth.User, error) {
	return decode[auth.User](a.c.Put(ctx, "/api/auth/me", req))
}

func (a *Auth) ChangePassword(ctx context.Context, req auth.ChangePasswordRequest) error {
	_, err := a.c.Post(ctx, "/api/auth/change-password", req)
	return err
}
