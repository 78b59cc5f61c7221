package devserver

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"stockdesk/internal/domain/notification"
	"stockdesk/internal/pkg/clock"
)

const maxPageSize = 100

// NotificationService stores notifications and pushes new ones to open
// sockets.
type NotificationService struct {
	repo  *NotificationRepository
	hub   *Hub
	clock clock.Clock
	loc   *time.Location
}

func NewNotificationService(repo *NotificationRepository, hub *Hub, c clock.Clock, loc *time.Location) *NotificationService {
	if c == nil {
		c = clock.Real{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &NotificationService{repo: repo, hub: hub, clock: c, loc: loc}
}

func validType(t notification.Type) bool {
	switch t {
	case notification.TypeAnalysis, notification.TypeAlert, notification.TypeSystem:
		return true
	}
	return false
}

// Create persists n for userID and pushes it. It reports whether a socket
// received it.
func (s *NotificationService) Create(ctx context.Context, userID string, n notification.Notification) (notification.Notification, bool, error) {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" || !validType(n.Type) {
		return notification.Notification{}, false, ErrInvalidNotification
	}
	if n.Status != notification.StatusRead {
		n.Status = notification.StatusUnread
	}

	m := &NotificationModel{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     n.Title,
		Content:   n.Content,
		Type:      string(n.Type),
		Status:    string(n.Status),
		Link:      n.Link,
		Source:    n.Source,
		CreatedAt: s.clock.Now(),
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return notification.Notification{}, false, err
	}

	dto := m.toDTO(s.loc)
	delivered := s.hub.SendNotification(userID, dto)
	return dto, delivered, nil
}

func (s *NotificationService) List(ctx context.Context, userID string, f notification.ListFilter) (*notification.ListResult, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = notification.DefaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}

	rows, total, err := s.repo.List(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	items := make([]notification.Notification, len(rows))
	for i := range rows {
		items[i] = rows[i].toDTO(s.loc)
	}
	return &notification.ListResult{Items: items, Total: int(total), Page: f.Page, PageSize: f.PageSize}, nil
}

func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	n, err := s.repo.CountUnread(ctx, userID)
	return int(n), err
}

func (s *NotificationService) MarkRead(ctx context.Context, userID, id string) error {
	return s.repo.MarkRead(ctx, id, userID)
}

func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.repo.MarkAllRead(ctx, userID)
}
