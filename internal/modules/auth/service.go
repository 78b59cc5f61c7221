// Package auth owns the client session: tokens, the current user and the
// anonymous / authenticated / refreshing state machine.
//
// The in-memory session is authoritative. Storage is written on every change
// and read once by Restore to rehydrate after a restart.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"stockdesk/internal/client"
	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/logger"
	"stockdesk/internal/pkg/token"
	"stockdesk/internal/storage"
)

type State string

const (
	StateAnonymous     State = "anonymous"
	StateAuthenticated State = "authenticated"
	StateRefreshing    State = "refreshing"
)

const (
	DefaultRefreshInterval  = 60 * time.Second
	DefaultRefreshThreshold = token.DefaultExpiryThreshold
	DefaultRefreshTimeout   = 30 * time.Second
)

type Options struct {
	Remote    Remote
	Store     storage.Store
	Codec     *token.Codec
	Prefs     PreferenceSyncer
	Recoverer Recoverer
	Navigator client.Navigator
	Clock     clock.Clock
	Logger    *slog.Logger

	RefreshInterval  time.Duration
	RefreshThreshold time.Duration

	// RefreshTimeout bounds the shared refresh call, which outlives the
	// context of the caller that started it.
	RefreshTimeout time.Duration
}

// Service is the auth state. It satisfies client.Session.
type Service struct {
	remote    Remote
	store     storage.Store
	codec     *token.Codec
	prefs     PreferenceSyncer
	recoverer Recoverer
	navigator client.Navigator
	log       *slog.Logger

	refreshInterval  time.Duration
	refreshThreshold time.Duration
	refreshTimeout   time.Duration

	mu            sync.RWMutex
	state         State
	authenticated bool
	access        string
	refresh       string
	user          *User
	loggingIn     bool
	stopAuto      context.CancelFunc

	refreshGroup singleflight.Group
}

func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Codec == nil {
		opts.Codec = token.NewCodec(token.WithClock(opts.Clock))
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = DefaultRefreshThreshold
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	return &Service{
		remote:           opts.Remote,
		store:            opts.Store,
		codec:            opts.Codec,
		prefs:            opts.Prefs,
		recoverer:        opts.Recoverer,
		navigator:        opts.Navigator,
		log:              logger.OrDiscard(opts.Logger),
		refreshInterval:  opts.RefreshInterval,
		refreshThreshold: opts.RefreshThreshold,
		refreshTimeout:   opts.RefreshTimeout,
		state:            StateAnonymous,
	}
}

// SetRecoverer wires the 401 coordinator once the client exists.
func (s *Service) SetRecoverer(r Recoverer) {
	s.mu.Lock()
	s.recoverer = r
	s.mu.Unlock()
}

func (s *Service) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

func (s *Service) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Service) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// User returns a copy of the current user, or nil.
func (s *Service) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Restore rehydrates the session from storage. Unless the stored access
// token is valid and the refresh token well formed, storage is purged and
// the service stays anonymous.
func (s *Service) Restore(ctx context.Context) error {
	access := storage.GetOr(ctx, s.store, storage.KeyAuthToken, "")
	refresh := storage.GetOr(ctx, s.store, storage.KeyRefreshToken, "")

	if !s.codec.IsValid(access) || !s.codec.WellFormed(refresh) {
		if access != "" || refresh != "" {
			s.log.Info("discarding stored session")
		}
		s.reset()
		return s.purge(ctx)
	}

	var user *User
	var u User
	if err := storage.GetJSON(ctx, s.store, storage.KeyUserInfo, &u); err == nil {
		user = &u
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("ignoring stored user", logger.Error(err))
	}

	s.mu.Lock()
	s.access, s.refresh, s.user = access, refresh, user
	s.authenticated = true
	s.state = StateAuthenticated
	s.mu.Unlock()

	s.log.Info("session restored", "remaining_seconds", s.codec.RemainingSeconds(access))
	s.armAutoRefresh()
	return nil
}

// Login exchanges credentials for tokens. Only one login may be in flight.
func (s *Service) Login(ctx context.Context, username, password string) (*User, error) {
	s.mu.Lock()
	if s.loggingIn {
		s.mu.Unlock()
		return nil, ErrLoginInProgress
	}
	s.loggingIn = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loggingIn = false
		s.mu.Unlock()
	}()

	resp, err := s.remote.Login(ctx, LoginRequest{Username: username, Password: password})
	if err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return nil, fmt.Errorf("login: %w", err)
	}
	if resp == nil || resp.AccessToken == "" {
		return nil, fmt.Errorf("login: %w", ErrEmptyLoginPayload)
	}

	s.setAuthInfo(ctx, resp.AccessToken, resp.RefreshToken, resp.User)
	s.syncPreferences(ctx)
	s.armAutoRefresh()

	s.log.Info("logged in", "user", resp.User.DisplayName())
	return s.User(), nil
}

// Logout tells the server and clears local state whatever the outcome.
func (s *Service) Logout(ctx context.Context) error {
	err := s.remote.Logout(ctx)
	if err != nil {
		s.log.Warn("logout call failed", logger.Error(err))
	}
	s.Clear()
	if s.navigator != nil {
		s.navigator.RedirectToLogin()
	}
	return err
}

// Refresh rotates the access token. Concurrent callers share one request.
// Network, 5xx and timeout failures keep the session; any other failure
// clears it and runs recovery.
//
// The shared request is detached from ctx: a caller that gives up gets
// ctx.Err() back while the refresh finishes for everyone else.
func (s *Service) Refresh(ctx context.Context) (bool, error) {
	ch := s.refreshGroup.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()
		return s.doRefresh(rctx)
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case r := <-ch:
		ok, _ := r.Val.(bool)
		return ok, r.Err
	}
}

func (s *Service) doRefresh(ctx context.Context) (bool, error) {
	rt := s.RefreshToken()
	if rt == "" {
		return false, s.refreshFailed(ErrNoRefreshToken)
	}
	if !s.codec.WellFormed(rt) {
		return false, s.refreshFailed(ErrMalformedRefresh)
	}

	s.mu.Lock()
	prev := s.state
	s.state = StateRefreshing
	s.mu.Unlock()

	resp, err := s.remote.Refresh(ctx, rt)
	if err == nil && (resp == nil || resp.AccessToken == "") {
		err = ErrEmptyRefreshPayload
	}
	if err != nil {
		if transient(err) {
			s.log.Warn("token refresh failed, keeping session", logger.Error(err))
			s.mu.Lock()
			if s.state == StateRefreshing {
				s.state = prev
			}
			s.mu.Unlock()
			return false, err
		}
		return false, s.refreshFailed(err)
	}

	s.setAuthInfo(ctx, resp.AccessToken, resp.RefreshToken, nil)
	s.log.Info("token refreshed", "remaining_seconds", s.codec.RemainingSeconds(resp.AccessToken))
	return true, nil
}

func (s *Service) refreshFailed(err error) error {
	s.log.Warn("token refresh rejected, clearing session", logger.Error(err))
	s.mu.RLock()
	r := s.recoverer
	s.mu.RUnlock()
	if r != nil {
		r.RecoverSession("")
	} else {
		s.Clear()
	}
	// Recovery may have been absorbed by a concurrent one; the session is
	// cleared either way.
	s.Clear()
	return fmt.Errorf("refresh token: %w", err)
}

func transient(err error) bool {
	return errors.Is(err, client.ErrNetwork) ||
		errors.Is(err, client.ErrServer) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Clear drops tokens and user, purges storage and stops auto refresh.
func (s *Service) Clear() {
	s.reset()
	if err := s.purge(context.Background()); err != nil {
		s.log.Warn("purging stored session", logger.Error(err))
	}
}

func (s *Service) reset() {
	s.mu.Lock()
	s.access, s.refresh, s.user = "", "", nil
	s.authenticated = false
	s.state = StateAnonymous
	stop := s.stopAuto
	s.stopAuto = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Service) purge(ctx context.Context) error {
	return s.store.Delete(ctx, storage.KeyAuthToken, storage.KeyRefreshToken, storage.KeyUserInfo)
}

// setAuthInfo stores new tokens (and user, when given) in memory and in
// storage. An empty refresh token keeps the current one.
func (s *Service) setAuthInfo(ctx context.Context, access, refresh string, user *User) {
	s.mu.Lock()
	s.access = access
	if refresh != "" {
		s.refresh = refresh
	}
	if user != nil {
		s.user = user
	}
	s.authenticated = true
	s.state = StateAuthenticated
	s.mu.Unlock()

	if err := s.store.Set(ctx, storage.KeyAuthToken, access); err != nil {
		s.log.Warn("persisting access token", logger.Error(err))
	}
	if refresh != "" {
		if err := s.store.Set(ctx, storage.KeyRefreshToken, refresh); err != nil {
			s.log.Warn("persisting refresh token", logger.Error(err))
		}
	}
	if user != nil {
		if err := storage.SetJSON(ctx, s.store, storage.KeyUserInfo, user); err != nil {
			s.log.Warn("persisting user", logger.Error(err))
		}
	}
}

// FetchUser loads the current user from the server.
func (s *Service) FetchUser(ctx context.Context) (*User, error) {
	u, err := s.remote.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}
	s.storeUser(ctx, u)
	return s.User(), nil
}

// UpdateUser sends changed fields and keeps the server's answer.
func (s *Service) UpdateUser(ctx context.Context, req UpdateUserRequest) (*User, error) {
	u, err := s.remote.UpdateMe(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	s.storeUser(ctx, u)
	return s.User(), nil
}

func (s *Service) storeUser(ctx context.Context, u *User) {
	if u == nil {
		return
	}
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
	if err := storage.SetJSON(ctx, s.store, storage.KeyUserInfo, u); err != nil {
		s.log.Warn("persisting user", logger.Error(err))
	}
	s.syncPreferences(ctx)
}

func (s *Service) syncPreferences(ctx context.Context) {
	if s.prefs == nil {
		return
	}
	s.mu.RLock()
	if s.user == nil {
		s.mu.RUnlock()
		return
	}
	prefs := s.user.Preferences
	s.mu.RUnlock()
	s.prefs.SyncFromUser(ctx, &prefs)
}

func (s *Service) ChangePassword(ctx context.Context, oldPassword, newPassword, confirm string) error {
	if oldPassword == "" || newPassword == "" {
		return ErrEmptyPassword
	}
	if confirm != "" && confirm != newPassword {
		return ErrPasswordMismatch
	}
	if confirm == "" {
		confirm = newPassword
	}
	err := s.remote.ChangePassword(ctx, ChangePasswordRequest{
		OldPassword:     oldPassword,
		NewPassword:     newPassword,
		ConfirmPassword: confirm,
	})
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	return nil
}

// CheckStatus verifies the stored session against the server. A timeout
// keeps the tokens but marks the session unauthenticated; a cancelled ctx
// changes nothing; any other failure clears it and redirects to login.
func (s *Service) CheckStatus(ctx context.Context) error {
	if s.AccessToken() == "" {
		return ErrNotAuthenticated
	}

	_, err := s.FetchUser(ctx)
	if err == nil {
		s.mu.Lock()
		s.authenticated = true
		s.state = StateAuthenticated
		s.mu.Unlock()
		return nil
	}

	if ctx.Err() != nil {
		return err
	}
	if errors.Is(err, client.ErrTimeout) {
		s.log.Warn("auth check timed out, keeping tokens", logger.Error(err))
		s.mu.Lock()
		s.authenticated = false
		s.mu.Unlock()
		return err
	}

	s.log.Warn("auth check failed, clearing session", logger.Error(err))
	s.Clear()
	if s.navigator != nil {
		s.navigator.RedirectToLogin()
	}
	return err
}

// StartAutoRefresh checks the access token every refresh interval and
// refreshes it when it is about to expire. It returns when ctx is done or
// the session is cleared.
func (s *Service) StartAutoRefresh(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.stopAuto != nil {
		s.stopAuto()
	}
	s.stopAuto = cancel
	s.mu.Unlock()

	go s.autoRefreshLoop(ctx)
}

func (s *Service) armAutoRefresh() {
	s.mu.RLock()
	running := s.stopAuto != nil
	s.mu.RUnlock()
	if !running {
		s.StartAutoRefresh(context.Background())
	}
}

// StopAutoRefresh stops the auto refresh loop if it runs.
func (s *Service) StopAutoRefresh() {
	s.mu.Lock()
	stop := s.stopAuto
	s.stopAuto = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Service) autoRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.autoRefreshTick(ctx)
		}
	}
}

// autoRefreshTick refreshes when the token expires within the threshold.
// It reports whether a refresh was attempted.
func (s *Service) autoRefreshTick(ctx context.Context) bool {
	tok := s.AccessToken()
	if tok == "" || !s.codec.ExpiringSoon(tok, s.refreshThreshold) {
		return false
	}
	s.log.Info("access token expiring soon, refreshing", "remaining_seconds", s.codec.RemainingSeconds(tok))
	if _, err := s.Refresh(ctx); err != nil {
		s.log.Warn("auto refresh failed", logger.Error(err))
	}
	return true
}
