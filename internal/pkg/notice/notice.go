// Package notice shows user-facing error messages, suppressing repeats of
// the same message inside a cooldown window.
package notice

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"stockdesk/internal/pkg/clock"
)

const (
	DefaultCooldown = 3 * time.Second

	// When more than maxTracked messages are remembered the oldest
	// pruneCount are forgotten.
	maxTracked = 50
	pruneCount = 25
)

// Sink displays a message to the user.
type Sink interface {
	Show(message string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(message string)

func (f SinkFunc) Show(message string) { f(message) }

// LogSink writes notices to a logger; it is the sink for headless use.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Show(message string) {
	s.Log.Warn("notice", "message", message)
}

// Notifier deduplicates messages before handing them to a Sink.
type Notifier struct {
	mu       sync.Mutex
	sink     Sink
	clock    clock.Clock
	cooldown time.Duration
	recent   map[string]time.Time
}

func New(sink Sink, cooldown time.Duration, c clock.Clock) *Notifier {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Notifier{
		sink:     sink,
		clock:    c,
		cooldown: cooldown,
		recent:   make(map[string]time.Time),
	}
}

// Show displays message unless the same message was shown within the
// cooldown. It reports whether the message reached the sink.
func (n *Notifier) Show(message string) bool {
	if message == "" {
		return false
	}

	n.mu.Lock()
	now := n.clock.Now()
	if last, ok := n.recent[message]; ok && now.Sub(last) < n.cooldown {
		n.mu.Unlock()
		return false
	}
	n.recent[message] = now
	if len(n.recent) > maxTracked {
		n.prune()
	}
	n.mu.Unlock()

	n.sink.Show(message)
	return true
}

func (n *Notifier) prune() {
	type entry struct {
		msg string
		at  time.Time
	}
	entries := make([]entry, 0, len(n.recent))
	for msg, at := range n.recent {
		entries = append(entries, entry{msg, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	for _, e := range entries[:pruneCount] {
		delete(n.recent, e.msg)
	}
}
