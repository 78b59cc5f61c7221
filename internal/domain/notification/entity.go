package notification

import (
	"time"

	"stockdesk/internal/pkg/datetime"
)

// Type is the category of a notification.
type Type string

const (
	TypeAnalysis Type = "analysis"
	TypeAlert    Type = "alert"
	TypeSystem   Type = "system"
)

type Status string

const (
	StatusUnread Status = "unread"
	StatusRead   Status = "read"
)

// Notification is one item of the user's notification feed.
type Notification struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content,omitempty"`
	Type      Type   `json:"type"`
	Status    Status `json:"status"`
	CreatedAt string `json:"created_at"`
	Link      string `json:"link,omitempty"`
	Source    string `json:"source,omitempty"`
}

func (n Notification) IsUnread() bool {
	return n.Status != StatusRead
}

// CreatedTime parses CreatedAt; timestamps without an offset are read in loc.
func (n Notification) CreatedTime(loc *time.Location) (time.Time, error) {
	return datetime.Parse(n.CreatedAt, loc)
}

// ListFilter selects a page of notifications. Status is "unread" or "all".
type ListFilter struct {
	Status   string
	Type     Type
	Page     int
	PageSize int
}

const (
	FilterAll    = "all"
	FilterUnread = "unread"

	DefaultPageSize = 20
)

type ListResult struct {
	Items    []Notification `json:"items"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}
