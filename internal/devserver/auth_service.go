package devserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockdesk/internal/modules/auth"
	"stockdesk/internal/modules/preferences"
	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/logger"
	"stockdesk/internal/pkg/token"
)

const (
	maxFailedLoginAttempts = 5
	lockoutDuration        = 15 * time.Minute
	maxActiveRefreshTokens = 10
	minPasswordLength      = 6

	// refreshIdentityPrefix marks the identity segment of refresh tokens so
	// they are never accepted as access tokens.
	refreshIdentityPrefix = "rt:"
)

// AuthService issues and rotates tokens for the development backend.
type AuthService struct {
	users      *UserRepository
	issuer     *token.Issuer
	clock      clock.Clock
	pepper     string
	refreshTTL time.Duration
	log        *slog.Logger
}

func NewAuthService(users *UserRepository, issuer *token.Issuer, c clock.Clock, pepper string, refreshTTL time.Duration, log *slog.Logger) *AuthService {
	if c == nil {
		c = clock.Real{}
	}
	return &AuthService{
		users:      users,
		issuer:     issuer,
		clock:      c,
		pepper:     pepper,
		refreshTTL: refreshTTL,
		log:        logger.OrDiscard(log),
	}
}

type sessionTokens struct {
	AccessToken  string
	RefreshToken string
}

func (s *AuthService) Login(ctx context.Context, username, password, userAgent, ip string) (*UserModel, *sessionTokens, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	now := s.clock.Now()
	if !user.IsActive {
		return nil, nil, ErrAccountDisabled
	}
	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		return nil, nil, ErrAccountLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		failed := user.FailedLoginAttempts + 1
		updates := map[string]any{"failed_login_attempts": failed}
		if failed >= maxFailedLoginAttempts {
			updates["locked_until"] = now.Add(lockoutDuration)
		}
		if err := s.users.UpdateFields(ctx, user.ID, updates); err != nil {
			return nil, nil, err
		}
		if failed >= maxFailedLoginAttempts {
			s.log.Warn("account locked", "user_id", user.ID)
			return nil, nil, ErrAccountLocked
		}
		return nil, nil, ErrInvalidCredentials
	}

	if err := s.users.UpdateFields(ctx, user.ID, map[string]any{
		"failed_login_attempts": 0,
		"locked_until":          nil,
		"last_login":            now,
	}); err != nil {
		return nil, nil, err
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLogin = &now

	tokens, err := s.issue(ctx, s.users.DB(), user.ID, uuid.NewString(), nil, userAgent, ip)
	if err != nil {
		return nil, nil, err
	}

	// keep the newest sessions only
	_ = s.users.DB().WithContext(ctx).Exec(`
		UPDATE refresh_tokens SET revoked_at = ?
		WHERE user_id = ?
		  AND revoked_at IS NULL
		  AND id NOT IN (
		    SELECT id FROM refresh_tokens
		    WHERE user_id = ? AND revoked_at IS NULL
		    ORDER BY created_at DESC, id DESC
		    LIMIT ?
		  )
	`, now, user.ID, user.ID, maxActiveRefreshTokens).Error

	return user, tokens, nil
}

// Refresh rotates a refresh token. Presenting a token that was already
// rotated or revoked revokes its whole family.
func (s *AuthService) Refresh(ctx context.Context, raw, userAgent, ip string) (*sessionTokens, error) {
	if _, err := s.issuer.ValidateToken(raw); err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrRefreshTokenExpired
		}
		return nil, ErrInvalidRefreshToken
	}

	now := s.clock.Now()
	hash := hashTokenWithPepper(raw, s.pepper)
	var result *sessionTokens

	err := s.users.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var current refreshTokenRow
		if err := q.Where("token_hash = ?", hash).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidRefreshToken
			}
			return err
		}

		if !current.ExpiresAt.After(now) {
			return ErrRefreshTokenExpired
		}

		if current.UsedAt != nil || current.RevokedAt != nil {
			if err := tx.Model(&refreshTokenRow{}).Where("id = ?", current.ID).
				Update("reuse_detected_at", now).Error; err != nil {
				return err
			}
			if err := tx.Model(&refreshTokenRow{}).
				Where("family_id = ? AND revoked_at IS NULL", current.FamilyID).
				Update("revoked_at", now).Error; err != nil {
				return err
			}
			return ErrRefreshTokenReused
		}

		var user UserModel
		if err := tx.Where("id = ?", current.UserID).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidRefreshToken
			}
			return err
		}
		if !user.IsActive {
			if err := tx.Model(&refreshTokenRow{}).
				Where("family_id = ? AND revoked_at IS NULL", current.FamilyID).
				Update("revoked_at", now).Error; err != nil {
				return err
			}
			return ErrAccountDisabled
		}

		if err := tx.Model(&refreshTokenRow{}).Where("id = ?", current.ID).Updates(map[string]any{
			"used_at":    now,
			"revoked_at": now,
		}).Error; err != nil {
			return err
		}

		rotatedFrom := current.ID
		tokens, err := s.issue(ctx, tx, user.ID, current.FamilyID, &rotatedFrom, userAgent, ip)
		if err != nil {
			return err
		}
		result = tokens
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRefreshTokenReused) {
			s.log.Warn("refresh token reuse detected")
		}
		return nil, err
	}
	return result, nil
}

func (s *AuthService) issue(ctx context.Context, db *gorm.DB, userID, familyID string, rotatedFrom *int64, userAgent, ip string) (*sessionTokens, error) {
	access, err := s.issuer.GenerateAccessToken(userID)
	if err != nil {
		return nil, err
	}
	jti := uuid.NewString()
	refresh, err := s.issuer.GenerateRefreshToken(refreshIdentityPrefix + jti)
	if err != nil {
		return nil, err
	}

	row := &refreshTokenRow{
		UserID:      userID,
		TokenHash:   hashTokenWithPepper(refresh, s.pepper),
		JTI:         jti,
		FamilyID:    familyID,
		RotatedFrom: rotatedFrom,
		ExpiresAt:   s.clock.Now().Add(s.refreshTTL),
		UserAgent:   nullableString(userAgent),
		IP:          nullableString(ip),
		CreatedAt:   s.clock.Now(),
	}
	if err := db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return &sessionTokens{AccessToken: access, RefreshToken: refresh}, nil
}

// Logout revokes every active refresh token of the user.
func (s *AuthService) Logout(ctx context.Context, userID string) error {
	return s.users.DB().WithContext(ctx).
		Model(&refreshTokenRow{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", s.clock.Now()).Error
}

func (s *AuthService) CurrentUser(ctx context.Context, userID string) (*UserModel, error) {
	return s.users.GetByID(ctx, userID)
}

func (s *AuthService) UpdateProfile(ctx context.Context, userID string, req auth.UpdateUserRequest) (*UserModel, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if req.Username != nil && strings.TrimSpace(*req.Username) != "" {
		user.Username = strings.TrimSpace(*req.Username)
	}
	if req.Email != nil {
		user.Email = strings.ToLower(strings.TrimSpace(*req.Email))
	}
	if req.Avatar != nil {
		user.Avatar = *req.Avatar
	}
	if req.Preferences != nil {
		user.Preferences = mergePreferences(user.Preferences, *req.Preferences)
	}

	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// mergePreferences overlays the set fields of next on current.
func mergePreferences(current, next preferences.UserPreferences) preferences.UserPreferences {
	if next.DefaultMarket != "" {
		current.DefaultMarket = next.DefaultMarket
	}
	if next.DefaultDepth != "" {
		current.DefaultDepth = next.DefaultDepth
	}
	if next.DefaultAnalysts != nil {
		current.DefaultAnalysts = next.DefaultAnalysts
	}
	if next.AutoRefresh != nil {
		current.AutoRefresh = next.AutoRefresh
	}
	if next.RefreshInterval > 0 {
		current.RefreshInterval = next.RefreshInterval
	}
	if next.UITheme != "" {
		current.UITheme = next.UITheme
	}
	if next.SidebarWidth > 0 {
		current.SidebarWidth = next.SidebarWidth
	}
	if next.Language != "" {
		current.Language = next.Language
	}
	if next.DesktopNotifications != nil {
		current.DesktopNotifications = next.DesktopNotifications
	}
	current.NotificationsEnabled = next.NotificationsEnabled
	current.EmailNotifications = next.EmailNotifications
	return current
}

func (s *AuthService) ChangePassword(ctx context.Context, userID string, req auth.ChangePasswordRequest) error {
	if len(req.NewPassword) < minPasswordLength {
		return ErrWeakPassword
	}
	if req.ConfirmPassword != "" && req.ConfirmPassword != req.NewPassword {
		return ErrPasswordMismatch
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.OldPassword)); err != nil {
		return ErrWrongPassword
	}

	hash, err := hashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	return s.users.UpdateFields(ctx, user.ID, map[string]any{"password_hash": hash})
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func hashTokenWithPepper(raw, pepper string) string {
	sum := sha256.Sum256([]byte(raw + pepper))
	return hex.EncodeToString(sum[:])
}

func nullableString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// accessTokens accepts issuer tokens except refresh tokens.
type accessTokens struct {
	issuer *token.Issuer
}

func (a accessTokens) ValidateToken(tok string) (*token.Claims, error) {
	claims, err := a.issuer.ValidateToken(tok)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(claims.Identity, refreshIdentityPrefix) {
		return nil, token.ErrMalformed
	}
	return claims, nil
}
