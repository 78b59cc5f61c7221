package devserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"stockdesk/internal/domain/notification"
	"stockdesk/internal/modules/preferences"
)

var welcomeNotifications = []notification.Notification{
	{
		Title:   "欢迎使用 StockDesk",
		Content: "Your workspace is ready. Start an analysis from the dashboard.",
		Type:    notification.TypeSystem,
		Source:  "system",
	},
	{
		Title:   "000001 analysis finished",
		Content: "The sample analysis report is available.",
		Type:    notification.TypeAnalysis,
		Link:    "/reports/sample",
		Source:  "analysis",
	},
}

// Seed creates the given user with a couple of welcome notifications. It
// is a no-op when the user exists.
func (s *Server) Seed(ctx context.Context, username, password string) error {
	users := NewUserRepository(s.db)
	if _, err := users.GetByUsername(ctx, username); err == nil {
		s.log.Info("seed user exists", "username", username)
		return nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}

	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	user := &UserModel{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        username + "@stockdesk.local",
		PasswordHash: hash,
		IsActive:     true,
		IsVerified:   true,
		IsAdmin:      true,
		Preferences: preferences.UserPreferences{
			DefaultMarket:        "A股",
			DefaultDepth:         "3",
			UITheme:              preferences.ThemeLight,
			Language:             preferences.LanguageZH,
			NotificationsEnabled: true,
		},
		DailyQuota:      1000,
		ConcurrentLimit: 3,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := users.Create(ctx, user); err != nil {
		return fmt.Errorf("create seed user: %w", err)
	}

	for _, n := range welcomeNotifications {
		if _, _, err := s.notifications.Create(ctx, user.ID, n); err != nil {
			return fmt.Errorf("seed notification: %w", err)
		}
	}
	s.log.Info("seed user created", "username", username)
	return nil
}
