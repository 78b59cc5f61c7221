package auth

import (
	"context"

	"stockdesk/internal/modules/preferences"
)

// Remote is the slice of the backend API the auth state calls.
type Remote interface {
	Login(ctx context.Context, req LoginRequest) (*LoginResponse, error)
	Logout(ctx context.Context) error
	Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error)
	Me(ctx context.Context) (*User, error)
	UpdateMe(ctx context.Context, req UpdateUserRequest) (*User, error)
	ChangePassword(ctx context.Context, req ChangePasswordRequest) error
}

// Recoverer clears the session and sends the user to login at most once
// per recovery window.
type Recoverer interface {
	RecoverSession(message string) bool
}

// PreferenceSyncer receives the account's preferences after the user
// record is loaded.
type PreferenceSyncer interface {
	SyncFromUser(ctx context.Context, p *preferences.UserPreferences)
}
