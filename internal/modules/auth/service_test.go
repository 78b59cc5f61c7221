package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stockdesk/internal/client"
	"stockdesk/internal/modules/preferences"
	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/token"
	"stockdesk/internal/storage"
)

// MockRemote is a testify mock of Remote.
type MockRemote struct {
	mock.Mock
}

func (m *MockRemote) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*LoginResponse)
	return resp, args.Error(1)
}

func (m *MockRemote) Logout(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockRemote) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	args := m.Called(ctx, refreshToken)
	resp, _ := args.Get(0).(*RefreshResponse)
	return resp, args.Error(1)
}

func (m *MockRemote) Me(ctx context.Context) (*User, error) {
	args := m.Called(ctx)
	u, _ := args.Get(0).(*User)
	return u, args.Error(1)
}

func (m *MockRemote) UpdateMe(ctx context.Context, req UpdateUserRequest) (*User, error) {
	args := m.Called(ctx, req)
	u, _ := args.Get(0).(*User)
	return u, args.Error(1)
}

func (m *MockRemote) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	return m.Called(ctx, req).Error(0)
}

type countingNavigator struct{ n atomic.Int32 }

func (c *countingNavigator) RedirectToLogin() { c.n.Add(1) }

type recordingRecoverer struct {
	svc   *Service
	calls atomic.Int32
}

func (r *recordingRecoverer) RecoverSession(string) bool {
	r.calls.Add(1)
	r.svc.Clear()
	return true
}

type recordingPrefs struct {
	mu   sync.Mutex
	last *preferences.UserPreferences
}

func (r *recordingPrefs) SyncFromUser(_ context.Context, p *preferences.UserPreferences) {
	r.mu.Lock()
	r.last = p
	r.mu.Unlock()
}

type harness struct {
	svc    *Service
	remote *MockRemote
	store  *storage.MemoryStore
	clock  *clock.Fake
	issuer *token.Issuer
	nav    *countingNavigator
	rec    *recordingRecoverer
	prefs  *recordingPrefs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	h := &harness{
		remote: &MockRemote{},
		store:  storage.NewMemoryStore(),
		clock:  fake,
		issuer: token.NewIssuer("test-secret", 30*time.Minute, 7*24*time.Hour, fake),
		nav:    &countingNavigator{},
		prefs:  &recordingPrefs{},
	}
	h.svc = NewService(Options{
		Remote:    h.remote,
		Store:     h.store,
		Prefs:     h.prefs,
		Navigator: h.nav,
		Clock:     fake,
	})
	h.rec = &recordingRecoverer{svc: h.svc}
	h.svc.SetRecoverer(h.rec)
	t.Cleanup(h.svc.StopAutoRefresh)
	return h
}

func (h *harness) tokens(t *testing.T) (string, string) {
	t.Helper()
	access, err := h.issuer.GenerateAccessToken("u-1")
	require.NoError(t, err)
	refresh, err := h.issuer.GenerateRefreshToken("u-1")
	require.NoError(t, err)
	return access, refresh
}

func (h *harness) login(t *testing.T) (string, string) {
	t.Helper()
	access, refresh := h.tokens(t)
	h.remote.On("Login", mock.Anything, LoginRequest{Username: "alice", Password: "pw"}).Return(&LoginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         &User{ID: "u-1", Username: "alice", Preferences: preferences.UserPreferences{Language: "en-US"}},
	}, nil).Once()
	_, err := h.svc.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	return access, refresh
}

func TestService_LoginPersistsSession(t *testing.T) {
	h := newHarness(t)
	access, refresh := h.login(t)

	assert.True(t, h.svc.IsAuthenticated())
	assert.Equal(t, StateAuthenticated, h.svc.State())
	assert.Equal(t, access, h.svc.AccessToken())
	assert.Equal(t, "alice", h.svc.User().Username)

	ctx := context.Background()
	assert.Equal(t, access, storage.GetOr(ctx, h.store, storage.KeyAuthToken, ""))
	assert.Equal(t, refresh, storage.GetOr(ctx, h.store, storage.KeyRefreshToken, ""))

	var stored User
	require.NoError(t, storage.GetJSON(ctx, h.store, storage.KeyUserInfo, &stored))
	assert.Equal(t, "u-1", stored.ID)

	require.NotNil(t, h.prefs.last)
	assert.Equal(t, "en-US", h.prefs.last.Language)
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	h := newHarness(t)
	h.remote.On("Login", mock.Anything, mock.Anything).
		Return(nil, &client.HTTPError{Status: 401, Message: "bad password"}).Once()

	_, err := h.svc.Login(context.Background(), "alice", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.False(t, h.svc.IsAuthenticated())
}

func TestService_LoginInProgress(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	access, refresh := h.tokens(t)
	h.remote.On("Login", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(&LoginResponse{AccessToken: access, RefreshToken: refresh, User: &User{ID: "u-1"}}, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Login(context.Background(), "alice", "pw")
		done <- err
	}()

	require.Eventually(t, func() bool {
		h.svc.mu.RLock()
		defer h.svc.mu.RUnlock()
		return h.svc.loggingIn
	}, time.Second, time.Millisecond)

	_, err := h.svc.Login(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, ErrLoginInProgress)

	close(release)
	require.NoError(t, <-done)
	h.remote.AssertNumberOfCalls(t, "Login", 1)
}

func TestService_RefreshRotatesTokens(t *testing.T) {
	h := newHarness(t)
	_, refresh := h.login(t)

	h.clock.Advance(time.Minute)
	newAccess, err := h.issuer.GenerateAccessToken("u-1")
	require.NoError(t, err)
	h.remote.On("Refresh", mock.Anything, refresh).Return(&RefreshResponse{AccessToken: newAccess}, nil).Once()

	ok, err := h.svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, newAccess, h.svc.AccessToken())
	// the server kept the refresh token
	assert.Equal(t, refresh, h.svc.RefreshToken())
	assert.Equal(t, newAccess, storage.GetOr(context.Background(), h.store, storage.KeyAuthToken, ""))
}

func TestService_RefreshSharedByConcurrentCallers(t *testing.T) {
	h := newHarness(t)
	_, refresh := h.login(t)

	release := make(chan struct{})
	newAccess, err := h.issuer.GenerateAccessToken("u-1")
	require.NoError(t, err)
	h.remote.On("Refresh", mock.Anything, refresh).
		Run(func(mock.Arguments) { <-release }).
		Return(&RefreshResponse{AccessToken: newAccess}, nil).Once()

	var wg sync.WaitGroup
	var started atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Add(1)
			ok, err := h.svc.Refresh(context.Background())
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}

	require.Eventually(t, func() bool {
		return started.Load() == 5 && h.svc.State() == StateRefreshing
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	h.remote.AssertNumberOfCalls(t, "Refresh", 1)
	assert.Equal(t, StateAuthenticated, h.svc.State())
}

func TestService_RefreshTransientFailureKeepsSession(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"network", &client.NetworkError{Err: errors.New("connection refused")}},
		{"server", &client.HTTPError{Status: 503}},
		{"canceled", fmt.Errorf("refresh: %w", context.Canceled)},
		{"deadline", context.DeadlineExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			access, refresh := h.login(t)
			h.remote.On("Refresh", mock.Anything, refresh).Return(nil, tc.err).Once()

			ok, err := h.svc.Refresh(context.Background())
			assert.False(t, ok)
			assert.Error(t, err)
			assert.True(t, h.svc.IsAuthenticated())
			assert.Equal(t, access, h.svc.AccessToken())
			assert.Equal(t, StateAuthenticated, h.svc.State())
			assert.Zero(t, h.rec.calls.Load())
		})
	}
}

func TestService_RefreshCallerDeadlineKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.svc.refreshTimeout = 30 * time.Millisecond
	access, refresh := h.login(t)

	finished := make(chan struct{})
	h.remote.On("Refresh", mock.Anything, refresh).
		Run(func(args mock.Arguments) {
			defer close(finished)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded).Once()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	ok, err := h.svc.Refresh(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	<-finished
	require.Eventually(t, func() bool {
		return h.svc.State() == StateAuthenticated
	}, time.Second, time.Millisecond)
	assert.True(t, h.svc.IsAuthenticated())
	assert.Equal(t, access, h.svc.AccessToken())
	assert.Equal(t, refresh, storage.GetOr(context.Background(), h.store, storage.KeyRefreshToken, ""))
	assert.Zero(t, h.rec.calls.Load())
	assert.Zero(t, h.nav.n.Load())
}

func TestService_RefreshOutlivesCancelledCaller(t *testing.T) {
	h := newHarness(t)
	_, refresh := h.login(t)

	release := make(chan struct{})
	newAccess, err := h.issuer.GenerateAccessToken("u-1")
	require.NoError(t, err)
	h.remote.On("Refresh", mock.Anything, refresh).
		Run(func(mock.Arguments) { <-release }).
		Return(&RefreshResponse{AccessToken: newAccess}, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := h.svc.Refresh(ctx)
		first <- err
	}()
	require.Eventually(t, func() bool { return h.svc.State() == StateRefreshing }, time.Second, time.Millisecond)

	second := make(chan bool, 1)
	joined := make(chan struct{})
	go func() {
		close(joined)
		ok, _ := h.svc.Refresh(context.Background())
		second <- ok
	}()
	<-joined
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(release)
	assert.True(t, <-second)
	h.remote.AssertNumberOfCalls(t, "Refresh", 1)
	assert.Equal(t, newAccess, h.svc.AccessToken())
	assert.Equal(t, StateAuthenticated, h.svc.State())
	assert.Zero(t, h.rec.calls.Load())
}

func TestService_RefreshRejectedClearsSession(t *testing.T) {
	h := newHarness(t)
	_, refresh := h.login(t)
	h.remote.On("Refresh", mock.Anything, refresh).
		Return(nil, &client.HTTPError{Status: 401}).Once()

	ok, err := h.svc.Refresh(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, client.ErrUnauthorized)

	assert.False(t, h.svc.IsAuthenticated())
	assert.Equal(t, StateAnonymous, h.svc.State())
	assert.Empty(t, h.svc.AccessToken())
	assert.Equal(t, int32(1), h.rec.calls.Load())

	_, getErr := h.store.Get(context.Background(), storage.KeyRefreshToken)
	assert.ErrorIs(t, getErr, storage.ErrNotFound)
}

func TestService_RefreshWithoutTokenFails(t *testing.T) {
	h := newHarness(t)

	ok, err := h.svc.Refresh(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	h.remote.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestService_RefreshPlaceholderTokenFails(t *testing.T) {
	h := newHarness(t)
	h.svc.setAuthInfo(context.Background(), "mock-token", "mock-refresh", nil)

	_, err := h.svc.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrMalformedRefresh)
	h.remote.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestService_LogoutAlwaysClears(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.remote.On("Logout", mock.Anything).Return(&client.NetworkError{Err: errors.New("offline")}).Once()

	err := h.svc.Logout(context.Background())
	assert.Error(t, err)
	assert.False(t, h.svc.IsAuthenticated())
	assert.Nil(t, h.svc.User())
	assert.Equal(t, int32(1), h.nav.n.Load())
}

func TestService_Restore(t *testing.T) {
	t.Run("valid session", func(t *testing.T) {
		h := newHarness(t)
		access, refresh := h.tokens(t)
		ctx := context.Background()
		require.NoError(t, h.store.Set(ctx, storage.KeyAuthToken, access))
		require.NoError(t, h.store.Set(ctx, storage.KeyRefreshToken, refresh))
		require.NoError(t, storage.SetJSON(ctx, h.store, storage.KeyUserInfo, &User{ID: "u-1", Username: "alice"}))

		require.NoError(t, h.svc.Restore(ctx))
		assert.True(t, h.svc.IsAuthenticated())
		assert.Equal(t, "alice", h.svc.User().Username)
	})

	t.Run("expired access token purges storage", func(t *testing.T) {
		h := newHarness(t)
		access, refresh := h.tokens(t)
		ctx := context.Background()
		require.NoError(t, h.store.Set(ctx, storage.KeyAuthToken, access))
		require.NoError(t, h.store.Set(ctx, storage.KeyRefreshToken, refresh))
		h.clock.Advance(time.Hour)

		require.NoError(t, h.svc.Restore(ctx))
		assert.False(t, h.svc.IsAuthenticated())
		_, err := h.store.Get(ctx, storage.KeyAuthToken)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = h.store.Get(ctx, storage.KeyRefreshToken)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("placeholder refresh token purges storage", func(t *testing.T) {
		h := newHarness(t)
		access, _ := h.tokens(t)
		ctx := context.Background()
		require.NoError(t, h.store.Set(ctx, storage.KeyAuthToken, access))
		require.NoError(t, h.store.Set(ctx, storage.KeyRefreshToken, "mock-token"))

		require.NoError(t, h.svc.Restore(ctx))
		assert.False(t, h.svc.IsAuthenticated())
		_, err := h.store.Get(ctx, storage.KeyAuthToken)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestService_CheckStatus(t *testing.T) {
	t.Run("timeout keeps tokens", func(t *testing.T) {
		h := newHarness(t)
		access, _ := h.login(t)
		h.remote.On("Me", mock.Anything).Return(nil, &client.NetworkError{Timeout: true, Err: context.DeadlineExceeded}).Once()

		err := h.svc.CheckStatus(context.Background())
		assert.ErrorIs(t, err, client.ErrTimeout)
		assert.False(t, h.svc.IsAuthenticated())
		assert.Equal(t, access, h.svc.AccessToken())
		assert.Zero(t, h.nav.n.Load())
	})

	t.Run("cancelled caller changes nothing", func(t *testing.T) {
		h := newHarness(t)
		access, _ := h.login(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		h.remote.On("Me", mock.Anything).Return(nil, fmt.Errorf("me: %w", context.Canceled)).Once()

		err := h.svc.CheckStatus(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, h.svc.IsAuthenticated())
		assert.Equal(t, access, h.svc.AccessToken())
		assert.Zero(t, h.nav.n.Load())
	})

	t.Run("rejection clears and redirects", func(t *testing.T) {
		h := newHarness(t)
		h.login(t)
		h.remote.On("Me", mock.Anything).Return(nil, &client.HTTPError{Status: 401}).Once()

		err := h.svc.CheckStatus(context.Background())
		assert.Error(t, err)
		assert.Empty(t, h.svc.AccessToken())
		assert.Equal(t, int32(1), h.nav.n.Load())
	})

	t.Run("success refreshes user", func(t *testing.T) {
		h := newHarness(t)
		h.login(t)
		h.remote.On("Me", mock.Anything).Return(&User{ID: "u-1", Username: "alice2"}, nil).Once()

		require.NoError(t, h.svc.CheckStatus(context.Background()))
		assert.True(t, h.svc.IsAuthenticated())
		assert.Equal(t, "alice2", h.svc.User().Username)
	})

	t.Run("no token", func(t *testing.T) {
		h := newHarness(t)
		assert.ErrorIs(t, h.svc.CheckStatus(context.Background()), ErrNotAuthenticated)
	})
}

func TestService_ChangePasswordValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.svc.ChangePassword(ctx, "", "new", ""), ErrEmptyPassword)
	assert.ErrorIs(t, h.svc.ChangePassword(ctx, "old", "new", "other"), ErrPasswordMismatch)

	h.remote.On("ChangePassword", mock.Anything, ChangePasswordRequest{
		OldPassword: "old", NewPassword: "new", ConfirmPassword: "new",
	}).Return(nil).Once()
	require.NoError(t, h.svc.ChangePassword(ctx, "old", "new", ""))
	h.remote.AssertExpectations(t)
}

func TestService_UpdateUserSyncsPreferences(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	theme := "dark"
	req := UpdateUserRequest{Preferences: &preferences.UserPreferences{UITheme: theme}}
	h.remote.On("UpdateMe", mock.Anything, req).
		Return(&User{ID: "u-1", Username: "alice", Preferences: preferences.UserPreferences{UITheme: theme}}, nil).Once()

	u, err := h.svc.UpdateUser(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, theme, u.Preferences.UITheme)
	assert.Equal(t, theme, h.prefs.last.UITheme)
}

func TestService_AutoRefreshTick(t *testing.T) {
	h := newHarness(t)
	_, refresh := h.login(t)
	ctx := context.Background()

	assert.False(t, h.svc.autoRefreshTick(ctx), "fresh token is left alone")

	h.clock.Advance(26 * time.Minute)
	newAccess, err := h.issuer.GenerateAccessToken("u-1")
	require.NoError(t, err)
	h.remote.On("Refresh", mock.Anything, refresh).Return(&RefreshResponse{AccessToken: newAccess}, nil).Once()

	assert.True(t, h.svc.autoRefreshTick(ctx))
	assert.Equal(t, newAccess, h.svc.AccessToken())
}

func TestService_ClearStopsAutoRefresh(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.svc.mu.RLock()
	running := h.svc.stopAuto != nil
	h.svc.mu.RUnlock()
	require.True(t, running)

	h.svc.Clear()
	h.svc.mu.RLock()
	defer h.svc.mu.RUnlock()
	assert.Nil(t, h.svc.stopAuto)
}
