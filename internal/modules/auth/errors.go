package auth

import "errors"

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrLoginInProgress     = errors.New("login already in progress")
	ErrNoRefreshToken      = errors.New("no refresh token")
	ErrMalformedRefresh    = errors.New("refresh token is malformed")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrPasswordMismatch    = errors.New("new password and confirmation do not match")
	ErrEmptyPassword       = errors.New("password must not be empty")
	ErrEmptyRefreshPayload = errors.New("refresh response has no access token")
	ErrEmptyLoginPayload   = errors.New("login response has no access token")
)
