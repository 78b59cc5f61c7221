// Package storage persists the small amount of local state the client keeps
// between runs: tokens, the cached user and UI preferences. The stored values
// only seed in-memory state on startup; they are never authoritative.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Fixed keys for persisted values.
const (
	KeyAuthToken       = "auth-token"
	KeyRefreshToken    = "refresh-token"
	KeyUserInfo        = "user-info"
	KeyAppLanguage     = "app-language"
	KeyAppTheme        = "app-theme"
	KeySidebarWidth    = "sidebar-width"
	KeyUserPreferences = "user-preferences"
)

var ErrNotFound = errors.New("storage: key not found")

// Store is a string key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// GetJSON decodes the value stored under key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON stores v encoded as JSON under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(raw))
}

// GetOr returns the value under key, or def when it is missing or unreadable.
func GetOr(ctx context.Context, s Store, key, def string) string {
	v, err := s.Get(ctx, key)
	if err != nil || v == "" {
		return def
	}
	return v
}
