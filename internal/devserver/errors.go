package devserver

import "errors"

var (
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrAccountLocked       = errors.New("account temporarily locked")
	ErrAccountDisabled     = errors.New("account disabled")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrRefreshTokenReused  = errors.New("refresh token reuse detected")
	ErrUserNotFound        = errors.New("user not found")
	ErrUsernameTaken       = errors.New("username already taken")
	ErrWrongPassword       = errors.New("current password is incorrect")
	ErrWeakPassword        = errors.New("password must be at least 6 characters")
	ErrPasswordMismatch    = errors.New("new password and confirmation do not match")
	ErrNotificationMissing = errors.New("notification not found")
	ErrInvalidNotification = errors.New("notification needs a title and a valid type")
)
