package notification

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"stockdesk/internal/pkg/clock"
)

// Feed is the in-memory notification list, newest first, with its unread
// counter. The counter is tracked separately from the items because the
// server reports it independently of the page that is loaded.
type Feed struct {
	mu     sync.RWMutex
	clock  clock.Clock
	items  []Notification
	unread int

	subscribers []func(Notification)
}

func NewFeed(c clock.Clock) *Feed {
	if c == nil {
		c = clock.Real{}
	}
	return &Feed{clock: c}
}

// Add prepends n, filling in a missing id, timestamp or status. The unread
// counter grows when n is unread.
func (f *Feed) Add(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt == "" {
		n.CreatedAt = f.clock.Now().UTC().Format(time.RFC3339)
	}
	if n.Status == "" {
		n.Status = StatusUnread
	}

	f.mu.Lock()
	f.items = append([]Notification{n}, f.items...)
	if n.IsUnread() {
		f.unread++
	}
	subs := f.subscribers
	f.mu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
	return n
}

// Subscribe registers fn to be called for every added notification.
func (f *Feed) Subscribe(fn func(Notification)) {
	f.mu.Lock()
	f.subscribers = append(f.subscribers, fn)
	f.mu.Unlock()
}

// MarkRead marks the item with id as read and lowers the counter by one
// when it is positive. Other items are untouched.
func (f *Feed) MarkRead(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ID == id {
			f.items[i].Status = StatusRead
			break
		}
	}
	if f.unread > 0 {
		f.unread--
	}
}

func (f *Feed) MarkAllRead() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		f.items[i].Status = StatusRead
	}
	f.unread = 0
}

// Replace swaps the list for a freshly loaded page.
func (f *Feed) Replace(items []Notification) {
	f.mu.Lock()
	f.items = append([]Notification(nil), items...)
	f.mu.Unlock()
}

func (f *Feed) SetUnreadCount(n int) {
	if n < 0 {
		n = 0
	}
	f.mu.Lock()
	f.unread = n
	f.mu.Unlock()
}

func (f *Feed) Items() []Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Notification(nil), f.items...)
}

func (f *Feed) UnreadCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.unread
}

func (f *Feed) HasUnread() bool {
	return f.UnreadCount() > 0
}
