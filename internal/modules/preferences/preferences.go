// Package preferences keeps UI preferences (language, theme, sidebar width
// and analysis defaults) and persists them under fixed storage keys.
package preferences

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"stockdesk/internal/pkg/logger"
	"stockdesk/internal/storage"
)

const (
	LanguageZH = "zh-CN"
	LanguageEN = "en-US"

	ThemeLight = "light"
	ThemeDark  = "dark"
	ThemeAuto  = "auto"

	DefaultSidebarWidth = 240
	MinSidebarWidth     = 200
	MaxSidebarWidth     = 400
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrInvalidTheme        = errors.New("invalid theme")
)

var (
	supported       = []string{LanguageZH, LanguageEN}
	languageMatcher = language.NewMatcher([]language.Tag{
		language.MustParse(LanguageZH),
		language.MustParse(LanguageEN),
	})
)

// CanonicalLanguage maps a BCP 47 tag such as "zh", "zh-Hans" or "en-GB"
// onto one of the supported UI languages.
func CanonicalLanguage(lang string) (string, error) {
	tag, err := language.Parse(strings.TrimSpace(lang))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	_, idx, conf := languageMatcher.Match(tag)
	if conf < language.High {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	return supported[idx], nil
}

// Analysis holds the defaults for new analysis jobs.
type Analysis struct {
	DefaultMarket   string `json:"defaultMarket"`
	DefaultDepth    string `json:"defaultDepth"`
	AutoRefresh     bool   `json:"autoRefresh"`
	RefreshInterval int    `json:"refreshInterval"`
}

func DefaultAnalysis() Analysis {
	return Analysis{
		DefaultMarket:   "A股",
		DefaultDepth:    "3",
		AutoRefresh:     true,
		RefreshInterval: 30,
	}
}

// UserPreferences is the preference block of the server-side user record.
type UserPreferences struct {
	DefaultMarket   string   `json:"default_market,omitempty"`
	DefaultDepth    string   `json:"default_depth,omitempty"`
	DefaultAnalysts []string `json:"default_analysts,omitempty"`
	AutoRefresh     *bool    `json:"auto_refresh,omitempty"`
	RefreshInterval int      `json:"refresh_interval,omitempty"`

	UITheme      string `json:"ui_theme,omitempty"`
	SidebarWidth int    `json:"sidebar_width,omitempty"`
	Language     string `json:"language,omitempty"`

	NotificationsEnabled bool  `json:"notifications_enabled"`
	EmailNotifications   bool  `json:"email_notifications"`
	DesktopNotifications *bool `json:"desktop_notifications,omitempty"`
}

// Service owns the current preferences. Reads are safe from any goroutine;
// Language is called by the request pipeline on every request.
type Service struct {
	store storage.Store
	log   *slog.Logger

	mu           sync.RWMutex
	language     string
	theme        string
	sidebarWidth int
	analysis     Analysis
}

// Load reads persisted preferences, falling back to defaults for anything
// missing or unreadable.
func Load(ctx context.Context, store storage.Store, defaultLanguage string, log *slog.Logger) *Service {
	s := &Service{
		store:        store,
		log:          logger.OrDiscard(log),
		language:     LanguageZH,
		theme:        ThemeAuto,
		sidebarWidth: DefaultSidebarWidth,
		analysis:     DefaultAnalysis(),
	}
	if lang, err := CanonicalLanguage(defaultLanguage); err == nil {
		s.language = lang
	}

	if lang, err := CanonicalLanguage(storage.GetOr(ctx, store, storage.KeyAppLanguage, "")); err == nil {
		s.language = lang
	}
	if theme := storage.GetOr(ctx, store, storage.KeyAppTheme, ""); validTheme(theme) {
		s.theme = theme
	}
	if w, err := strconv.Atoi(storage.GetOr(ctx, store, storage.KeySidebarWidth, "")); err == nil {
		s.sidebarWidth = clampWidth(w)
	}
	a := DefaultAnalysis()
	if err := storage.GetJSON(ctx, store, storage.KeyUserPreferences, &a); err == nil {
		s.analysis = a
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("ignoring stored preferences", logger.Error(err))
	}
	return s
}

func (s *Service) Language() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.language
}

func (s *Service) Theme() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.theme
}

func (s *Service) SidebarWidth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sidebarWidth
}

func (s *Service) Analysis() Analysis {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.analysis
}

func (s *Service) SetLanguage(ctx context.Context, lang string) error {
	canonical, err := CanonicalLanguage(lang)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.language = canonical
	s.mu.Unlock()
	return s.store.Set(ctx, storage.KeyAppLanguage, canonical)
}

func (s *Service) SetTheme(ctx context.Context, theme string) error {
	if !validTheme(theme) {
		return fmt.Errorf("%w: %q", ErrInvalidTheme, theme)
	}
	s.mu.Lock()
	s.theme = theme
	s.mu.Unlock()
	return s.store.Set(ctx, storage.KeyAppTheme, theme)
}

// SetSidebarWidth stores width clamped to [MinSidebarWidth, MaxSidebarWidth].
func (s *Service) SetSidebarWidth(ctx context.Context, width int) error {
	width = clampWidth(width)
	s.mu.Lock()
	s.sidebarWidth = width
	s.mu.Unlock()
	return s.store.Set(ctx, storage.KeySidebarWidth, strconv.Itoa(width))
}

// UpdateAnalysis applies update to the analysis defaults and persists them.
func (s *Service) UpdateAnalysis(ctx context.Context, update func(*Analysis)) error {
	s.mu.Lock()
	update(&s.analysis)
	updated := s.analysis
	s.mu.Unlock()
	return storage.SetJSON(ctx, s.store, storage.KeyUserPreferences, updated)
}

// SyncFromUser applies the preferences stored on the user's account.
// Empty fields leave the local value alone.
func (s *Service) SyncFromUser(ctx context.Context, p *UserPreferences) {
	if p == nil {
		return
	}
	if p.UITheme != "" {
		if err := s.SetTheme(ctx, p.UITheme); err != nil {
			s.log.Warn("skipping user theme", logger.Error(err))
		}
	}
	if p.SidebarWidth > 0 {
		if err := s.SetSidebarWidth(ctx, p.SidebarWidth); err != nil {
			s.log.Warn("saving sidebar width", logger.Error(err))
		}
	}
	if p.Language != "" {
		if err := s.SetLanguage(ctx, p.Language); err != nil {
			s.log.Warn("skipping user language", logger.Error(err))
		}
	}
	if p.DefaultMarket != "" || p.DefaultDepth != "" || p.AutoRefresh != nil || p.RefreshInterval > 0 {
		err := s.UpdateAnalysis(ctx, func(a *Analysis) {
			if p.DefaultMarket != "" {
				a.DefaultMarket = p.DefaultMarket
			}
			if p.DefaultDepth != "" {
				a.DefaultDepth = p.DefaultDepth
			}
			if p.AutoRefresh != nil {
				a.AutoRefresh = *p.AutoRefresh
			}
			if p.RefreshInterval > 0 {
				a.RefreshInterval = p.RefreshInterval
			}
		})
		if err != nil {
			s.log.Warn("saving analysis preferences", logger.Error(err))
		}
	}
}

func validTheme(theme string) bool {
	return theme == ThemeLight || theme == ThemeDark || theme == ThemeAuto
}

func clampWidth(w int) int {
	return max(MinSidebarWidth, min(MaxSidebarWidth, w))
}
