package api

import (
	"context"
	"net/url"
	"strconv"

	"stockdesk/internal/client"
	"stockdesk/internal/domain/notification"
)

// Notifications implements notification.Remote.
type Notifications struct {
	c *client.Client
}

var _ notification.Remote = (*Notifications)(nil)

type unreadCount struct {
	Count int `json:"count"`
}

func (n *Notifications) UnreadCount(ctx context.Context) (int, error) {
	res, err := decode[unreadCount](n.c.Get(ctx, "/api/notifications/unread_count", nil))
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (n *Notifications) List(ctx context.Context, f notification.ListFilter) (*notification.ListResult, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(f.PageSize))
	}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	return decode[notification.ListResult](n.c.Get(ctx, "/api/notifications", q))
}

func (n *Notifications) MarkRead(ctx context.Context, id string) error {
	_, err := n.c.Post(ctx, "/api/notifications/"+escape(id)+"/read", nil)
	return err
}

func (n *Notifications) MarkAllRead(ctx context.Context) error {
	_, err := n.c.Post(ctx, "/api/notifications/read_all", nil)
	return err
}
