// Package datetime parses timestamps produced by the backend. Timestamps
// that carry no zone designator are stored by the backend in its own zone,
// so they are interpreted in a configurable server location.
package datetime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultZone is the zone the backend writes naive timestamps in.
const DefaultZone = "Asia/Shanghai"

var ErrInvalidTime = errors.New("invalid time")

var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// LoadLocation resolves name, falling back to a fixed UTC+8 zone when the
// tz database is unavailable for DefaultZone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		if name == DefaultZone {
			return time.FixedZone("UTC+8", 8*60*60), nil
		}
		return nil, fmt.Errorf("load location %q: %w", name, err)
	}
	return loc, nil
}

// Parse parses s. Zoned timestamps keep their offset; naive ones are placed
// in loc. Purely numeric input is treated as a unix timestamp in seconds, or
// milliseconds when it is too large to be seconds.
func Parse(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrInvalidTime
	}
	if loc == nil {
		loc = time.UTC
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return FromUnix(n), nil
	}

	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
}

// FromUnix converts a unix timestamp in seconds or milliseconds.
func FromUnix(n int64) time.Time {
	if n < 10_000_000_000 {
		return time.Unix(n, 0)
	}
	return time.UnixMilli(n)
}
