package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/logger"
	"stockdesk/internal/pkg/notice"
)

const DefaultRecoveryCooldown = 3 * time.Second

// AuthLock admits one 401 recovery per cooldown window. An acquired lock
// expires on its own once the cooldown has passed on the injected clock.
type AuthLock struct {
	mu        sync.Mutex
	clock     clock.Clock
	cooldown  time.Duration
	heldUntil time.Time
}

func NewAuthLock(c clock.Clock, cooldown time.Duration) *AuthLock {
	if c == nil {
		c = clock.Real{}
	}
	if cooldown <= 0 {
		cooldown = DefaultRecoveryCooldown
	}
	return &AuthLock{clock: c, cooldown: cooldown}
}

// TryAcquire takes the lock unless it is held and not yet expired.
func (l *AuthLock) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if now.Before(l.heldUntil) {
		return false
	}
	l.heldUntil = now.Add(l.cooldown)
	return true
}

// Release frees the lock before its cooldown ends.
func (l *AuthLock) Release() {
	l.mu.Lock()
	l.heldUntil = time.Time{}
	l.mu.Unlock()
}

func (l *AuthLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock.Now().Before(l.heldUntil)
}

// Session is the auth state the pipeline reads tokens from and refreshes.
type Session interface {
	AccessToken() string
	RefreshToken() string
	// Refresh rotates the access token. It reports false when the session
	// could not be refreshed.
	Refresh(ctx context.Context) (bool, error)
	Clear()
}

// Navigator sends the user to the login view.
type Navigator interface {
	RedirectToLogin()
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func()

func (f NavigatorFunc) RedirectToLogin() { f() }

// Coordinator turns a burst of 401s into a single clear + redirect + notice.
type Coordinator struct {
	lock     *AuthLock
	notifier *notice.Notifier
	log      *slog.Logger
}

func NewCoordinator(lock *AuthLock, notifier *notice.Notifier, log *slog.Logger) *Coordinator {
	return &Coordinator{lock: lock, notifier: notifier, log: logger.OrDiscard(log)}
}

// Recover clears the session and redirects to login unless another recovery
// ran within the cooldown. It reports whether this call did the work.
func (co *Coordinator) Recover(session Session, nav Navigator, message string) bool {
	if !co.lock.TryAcquire() {
		co.log.Debug("auth recovery already in progress, skipping")
		return false
	}

	co.log.Info("session rejected, clearing credentials and redirecting to login")
	if session != nil {
		session.Clear()
	}
	if nav != nil {
		nav.RedirectToLogin()
	}
	if co.notifier != nil {
		co.notifier.Show(message)
	}
	return true
}

func (co *Coordinator) Lock() *AuthLock { return co.lock }
