package auth

import (
	"stockdesk/internal/modules/preferences"
)

// User is the account record returned by /api/auth/me.
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Avatar     string `json:"avatar,omitempty"`
	IsActive   bool   `json:"is_active"`
	IsVerified bool   `json:"is_verified"`
	IsAdmin    bool   `json:"is_admin"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	LastLogin  string `json:"last_login,omitempty"`

	Preferences preferences.UserPreferences `json:"preferences"`

	DailyQuota      int `json:"daily_quota"`
	ConcurrentLimit int `json:"concurrent_limit"`

	TotalAnalyses      int `json:"total_analyses"`
	SuccessfulAnalyses int `json:"successful_analyses"`
	FailedAnalyses     int `json:"failed_analyses"`
}

// DisplayName is the username, then the email, then a placeholder.
func (u *User) DisplayName() string {
	switch {
	case u == nil:
		return "unknown user"
	case u.Username != "":
		return u.Username
	case u.Email != "":
		return u.Email
	}
	return "unknown user"
}

type LoginRequest struct {
	Username   string `json:"username" validate:"required,max=64"`
	Password   string `json:"password" validate:"required"`
	RememberMe bool   `json:"remember_me,omitempty"`
}

type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	User         *User  `json:"user"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type RefreshResponse struct {
	AccessToken string `json:"access_token"`
	// RefreshToken is empty when the server keeps the old one.
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

type ChangePasswordRequest struct {
	OldPassword     string `json:"old_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
	ConfirmPassword string `json:"confirm_password"`
}

// UpdateUserRequest carries the fields to change; nil fields are left alone.
type UpdateUserRequest struct {
	Username    *string                      `json:"username,omitempty"`
	Email       *string                      `json:"email,omitempty" validate:"omitempty,email"`
	Avatar      *string                      `json:"avatar,omitempty"`
	Preferences *preferences.UserPreferences `json:"preferences,omitempty"`
}
