// Package devserver is a development backend that speaks the same REST and
// WebSocket contract as the production API for the endpoints the client
// uses. It backs the end-to-end tests and the devbackend command.
package devserver

import (
	"time"

	"gorm.io/gorm"

	"stockdesk/internal/domain/notification"
	"stockdesk/internal/modules/auth"
	"stockdesk/internal/modules/preferences"
)

// naiveLayout is how the backend writes timestamps: server local time with
// no zone designator.
const naiveLayout = "2006-01-02T15:04:05"

type UserModel struct {
	ID           string `gorm:"column:id;primaryKey;size:36"`
	Username     string `gorm:"column:username;size:64;uniqueIndex;not null"`
	Email        string `gorm:"column:email;size:255"`
	PasswordHash string `gorm:"column:password_hash;not null"`
	Avatar       string `gorm:"column:avatar"`

	IsActive   bool `gorm:"column:is_active;not null;default:true"`
	IsVerified bool `gorm:"column:is_verified;not null;default:false"`
	IsAdmin    bool `gorm:"column:is_admin;not null;default:false"`

	Preferences preferences.UserPreferences `gorm:"column:preferences;serializer:json"`

	DailyQuota         int `gorm:"column:daily_quota;not null;default:1000"`
	ConcurrentLimit    int `gorm:"column:concurrent_limit;not null;default:3"`
	TotalAnalyses      int `gorm:"column:total_analyses;not null;default:0"`
	SuccessfulAnalyses int `gorm:"column:successful_analyses;not null;default:0"`
	FailedAnalyses     int `gorm:"column:failed_analyses;not null;default:0"`

	FailedLoginAttempts int        `gorm:"column:failed_login_attempts;not null;default:0"`
	LockedUntil         *time.Time `gorm:"column:locked_until"`
	LastLogin           *time.Time `gorm:"column:last_login"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (UserModel) TableName() string { return "users" }

func (m *UserModel) toDTO(loc *time.Location) *auth.User {
	u := &auth.User{
		ID:                 m.ID,
		Username:           m.Username,
		Email:              m.Email,
		Avatar:             m.Avatar,
		IsActive:           m.IsActive,
		IsVerified:         m.IsVerified,
		IsAdmin:            m.IsAdmin,
		CreatedAt:          m.CreatedAt.In(loc).Format(naiveLayout),
		UpdatedAt:          m.UpdatedAt.In(loc).Format(naiveLayout),
		Preferences:        m.Preferences,
		DailyQuota:         m.DailyQuota,
		ConcurrentLimit:    m.ConcurrentLimit,
		TotalAnalyses:      m.TotalAnalyses,
		SuccessfulAnalyses: m.SuccessfulAnalyses,
		FailedAnalyses:     m.FailedAnalyses,
	}
	if m.LastLogin != nil {
		u.LastLogin = m.LastLogin.In(loc).Format(naiveLayout)
	}
	return u
}

// refreshTokenRow stores a refresh token by its peppered hash. Rotation
// marks the old row used and links the new one through RotatedFrom; all
// rows of one login share a FamilyID so reuse can revoke the whole chain.
type refreshTokenRow struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID          string     `gorm:"column:user_id;size:36;index;not null"`
	TokenHash       string     `gorm:"column:token_hash;size:64;uniqueIndex;not null"`
	JTI             string     `gorm:"column:jti;size:36;not null"`
	FamilyID        string     `gorm:"column:family_id;size:36;index;not null"`
	RotatedFrom     *int64     `gorm:"column:rotated_from"`
	ExpiresAt       time.Time  `gorm:"column:expires_at;index;not null"`
	UsedAt          *time.Time `gorm:"column:used_at"`
	RevokedAt       *time.Time `gorm:"column:revoked_at;index"`
	ReuseDetectedAt *time.Time `gorm:"column:reuse_detected_at"`
	UserAgent       *string    `gorm:"column:user_agent"`
	IP              *string    `gorm:"column:ip"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
}

func (refreshTokenRow) TableName() string { return "refresh_tokens" }

type NotificationModel struct {
	ID        string    `gorm:"column:id;primaryKey;size:36"`
	UserID    string    `gorm:"column:user_id;size:36;index:idx_notifications_user_status;not null"`
	Title     string    `gorm:"column:title;not null"`
	Content   string    `gorm:"column:content"`
	Type      string    `gorm:"column:type;size:32;not null"`
	Status    string    `gorm:"column:status;size:16;index:idx_notifications_user_status;not null"`
	Link      string    `gorm:"column:link"`
	Source    string    `gorm:"column:source"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

func (NotificationModel) TableName() string { return "notifications" }

func (m *NotificationModel) toDTO(loc *time.Location) notification.Notification {
	return notification.Notification{
		ID:        m.ID,
		Title:     m.Title,
		Content:   m.Content,
		Type:      notification.Type(m.Type),
		Status:    notification.Status(m.Status),
		CreatedAt: m.CreatedAt.In(loc).Format(naiveLayout),
		Link:      m.Link,
		Source:    m.Source,
	}
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&UserModel{}, &refreshTokenRow{}, &NotificationModel{})
}
