package notification

import (
	"context"
	"log/slog"

	"stockdesk/internal/pkg/logger"
)

// Remote is the notification API of the backend.
type Remote interface {
	UnreadCount(ctx context.Context) (int, error)
	List(ctx context.Context, filter ListFilter) (*ListResult, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
}

// Service keeps the feed in step with the backend. Backends that do not
// serve notifications yet are tolerated: failures are logged and the
// service answers with empty results while still updating local state.
type Service struct {
	remote Remote
	feed   *Feed
	log    *slog.Logger
}

func NewService(remote Remote, feed *Feed, log *slog.Logger) *Service {
	if feed == nil {
		feed = NewFeed(nil)
	}
	return &Service{remote: remote, feed: feed, log: logger.OrDiscard(log)}
}

func (s *Service) Feed() *Feed { return s.feed }

// RefreshUnreadCount loads the unread counter; it is 0 when the call fails.
func (s *Service) RefreshUnreadCount(ctx context.Context) int {
	n, err := s.remote.UnreadCount(ctx)
	if err != nil {
		s.log.Warn("unread count unavailable", logger.Error(err))
		n = 0
	}
	s.feed.SetUnreadCount(n)
	return n
}

// LoadList replaces the feed with the first page for status ("unread" or
// "all"). A failed call leaves an empty feed.
func (s *Service) LoadList(ctx context.Context, status string) []Notification {
	if status == "" {
		status = FilterAll
	}
	res, err := s.remote.List(ctx, ListFilter{Status: status, Page: 1, PageSize: DefaultPageSize})
	if err != nil {
		s.log.Warn("notification list unavailable", logger.Error(err))
		res = &ListResult{}
	}
	s.feed.Replace(res.Items)
	return s.feed.Items()
}

func (s *Service) MarkRead(ctx context.Context, id string) {
	if err := s.remote.MarkRead(ctx, id); err != nil {
		s.log.Warn("mark read failed", "id", id, logger.Error(err))
	}
	s.feed.MarkRead(id)
}

func (s *Service) MarkAllRead(ctx context.Context) {
	if err := s.remote.MarkAllRead(ctx); err != nil {
		s.log.Warn("mark all read failed", logger.Error(err))
	}
	s.feed.MarkAllRead()
}
