package devserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"stockdesk/internal/database"
	"stockdesk/internal/domain/notification"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) DB() *gorm.DB { return r.db }

func (r *UserRepository) Create(ctx context.Context, u *UserModel) error {
	u.Username = strings.TrimSpace(u.Username)
	if err := r.db.WithContext(ctx).Create(u).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return err
	}
	return nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*UserModel, error) {
	var m UserModel
	err := r.db.WithContext(ctx).
		Where("LOWER(username) = ?", strings.ToLower(strings.TrimSpace(username))).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*UserModel, error) {
	var m UserModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *UserRepository) Update(ctx context.Context, u *UserModel) error {
	if err := r.db.WithContext(ctx).Save(u).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return err
	}
	return nil
}

func (r *UserRepository) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id).Updates(fields).Error
}

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) Create(ctx context.Context, n *NotificationModel) error {
	return r.db.WithContext(ctx).Create(n).Error
}

// List returns one page of a user's notifications, newest first, and the
// total matching the filter.
func (r *NotificationRepository) List(ctx context.Context, userID string, f notification.ListFilter) ([]NotificationModel, int64, error) {
	q := r.db.WithContext(ctx).Model(&NotificationModel{}).Where("user_id = ?", userID)
	if f.Status == notification.FilterUnread {
		q = q.Where("status = ?", string(notification.StatusUnread))
	}
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []NotificationModel
	err := q.Order("created_at DESC").
		Limit(f.PageSize).
		Offset((f.Page - 1) * f.PageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *NotificationRepository) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("user_id = ? AND status = ?", userID, string(notification.StatusUnread)).
		Count(&count).Error
	return count, err
}

func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID string) error {
	res := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("status", string(notification.StatusRead))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotificationMissing
	}
	return nil
}

func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("user_id = ? AND status = ?", userID, string(notification.StatusUnread)).
		Update("status", string(notification.StatusRead))
	return res.RowsAffected, res.Error
}

// DeleteExpiredTokens removes refresh tokens that expired before now or
// were revoked more than retention ago.
func DeleteExpiredTokens(ctx context.Context, db *gorm.DB, now time.Time, retention time.Duration) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)", now, now.Add(-retention)).
		Delete(&refreshTokenRow{})
	return res.RowsAffected, res.Error
}
