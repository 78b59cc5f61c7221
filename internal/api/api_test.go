package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockdesk/internal/client"
	"stockdesk/internal/domain/notification"
	"stockdesk/internal/modules/auth"
)

type staticSession struct {
	access, refresh string
	refreshes       atomic.Int32
}

func (s *staticSession) AccessToken() string  { return s.access }
func (s *staticSession) RefreshToken() string { return s.refresh }
func (s *staticSession) Clear()               { s.access, s.refresh = "", "" }
func (s *staticSession) Refresh(context.Context) (bool, error) {
	s.refreshes.Add(1)
	return false, nil
}

type recorded struct {
	method, path, rawQuery, auth string
	body                         map[string]any
}

type backend struct {
	*httptest.Server
	mu    sync.Mutex
	calls []recorded
	// reply writes the response for a call.
	reply func(w http.ResponseWriter, r *http.Request)
}

func newBackend(t *testing.T, reply func(w http.ResponseWriter, r *http.Request)) *backend {
	t.Helper()
	b := &backend{reply: reply}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{
			method:   r.Method,
			path:     r.URL.EscapedPath(),
			rawQuery: r.URL.RawQuery,
			auth:     r.Header.Get("Authorization"),
		}
		_ = json.NewDecoder(r.Body).Decode(&rec.body)
		b.mu.Lock()
		b.calls = append(b.calls, rec)
		b.mu.Unlock()
		b.reply(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) Calls() []recorded {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recorded(nil), b.calls...)
}

func writeEnvelope(w http.ResponseWriter, status int, env map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func ok(data any) map[string]any {
	return map[string]any{"success": true, "data": data, "message": "ok"}
}

func newAPI(t *testing.T, b *backend, session client.Session) (*API, *atomic.Int32) {
	t.Helper()
	c := client.New(client.Options{
		BaseURL: b.URL,
		Retry:   &client.RetryPolicy{Count: 2, BaseDelay: 1},
	})
	if session != nil {
		c.SetSession(session)
	}
	var redirects atomic.Int32
	c.SetNavigator(client.NavigatorFunc(func() { redirects.Add(1) }))
	return New(c), &redirects
}

func TestAuth_LoginSkipsAuthAndRecovery(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusUnauthorized, map[string]any{"success": false, "code": 40101, "message": "bad credentials"})
	})
	session := &staticSession{access: "old", refresh: "r"}
	a, redirects := newAPI(t, b, session)

	_, err := a.Auth.Login(context.Background(), auth.LoginRequest{Username: "alice", Password: "pw"})
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrUnauthorized)

	calls := b.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/api/auth/login", calls[0].path)
	assert.Empty(t, calls[0].auth)
	assert.Equal(t, "alice", calls[0].body["username"])
	assert.Zero(t, redirects.Load())
	assert.Zero(t, session.refreshes.Load())
	assert.Equal(t, "old", session.access)
}

func TestAuth_LoginDecodesTokens(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, ok(map[string]any{
			"access_token":  "a.b.c",
			"refresh_token": "d.e.f",
			"expires_in":    1800,
			"user":          map[string]any{"id": "u-1", "username": "alice"},
		}))
	})
	a, _ := newAPI(t, b, nil)

	resp, err := a.Auth.Login(context.Background(), auth.LoginRequest{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "a.b.c", resp.AccessToken)
	assert.Equal(t, 1800, resp.ExpiresIn)
	assert.Equal(t, "alice", resp.User.Username)
}

func TestAuth_RefreshIsQuietAndUnauthenticated(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusUnauthorized, map[string]any{"success": false, "code": 40103, "message": "expired"})
	})
	session := &staticSession{access: "a.b.c", refresh: "d.e.f"}
	a, redirects := newAPI(t, b, session)

	_, err := a.Auth.Refresh(context.Background(), "d.e.f")
	require.Error(t, err)

	calls := b.Calls()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].auth)
	assert.Equal(t, "d.e.f", calls[0].body["refresh_token"])
	assert.Zero(t, redirects.Load())
	assert.Zero(t, session.refreshes.Load())
}

func TestAuth_MeSendsBearer(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, ok(map[string]any{"id": "u-1", "username": "alice", "daily_quota": 100}))
	})
	a, _ := newAPI(t, b, &staticSession{access: "a.b.c"})

	u, err := a.Auth.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, u.DailyQuota)
	assert.Equal(t, "Bearer a.b.c", b.Calls()[0].auth)
}

func TestSystem_HealthDoesNotRetry(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusServiceUnavailable, map[string]any{"success": false, "message": "down"})
	})
	a, _ := newAPI(t, b, nil)

	_, err := a.System.Health(context.Background())
	assert.ErrorIs(t, err, client.ErrServer)
	assert.Len(t, b.Calls(), 1)
}

func TestSystem_Health(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, ok(map[string]any{"status": "ok", "version": "dev"}))
	})
	a, _ := newAPI(t, b, nil)

	h, err := a.System.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "/api/health", b.Calls()[0].path)
}

func TestNotifications_Endpoints(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/notifications/unread_count":
			writeEnvelope(w, http.StatusOK, ok(map[string]any{"count": 3}))
		case "/api/notifications":
			writeEnvelope(w, http.StatusOK, ok(map[string]any{
				"items": []map[string]any{{"id": "n-1", "title": "t", "type": "alert", "status": "unread"}},
				"total": 1, "page": 1, "page_size": 20,
			}))
		default:
			writeEnvelope(w, http.StatusOK, ok(nil))
		}
	})
	a, _ := newAPI(t, b, &staticSession{access: "a.b.c"})
	ctx := context.Background()

	n, err := a.Notifications.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := a.Notifications.List(ctx, notification.ListFilter{Status: notification.FilterUnread, Page: 1, PageSize: 20})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, notification.TypeAlert, res.Items[0].Type)

	require.NoError(t, a.Notifications.MarkRead(ctx, "n/1"))
	require.NoError(t, a.Notifications.MarkAllRead(ctx))

	calls := b.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, "page=1&page_size=20&status=unread", calls[1].rawQuery)
	assert.Equal(t, "/api/notifications/n%2F1/read", calls[2].path)
	assert.Equal(t, http.MethodPost, calls[3].method)
	assert.Equal(t, "/api/notifications/read_all", calls[3].path)
}

func TestStocks_Quote(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, ok(map[string]any{"code": "600519", "name": "Kweichow Moutai", "price": 1688.5}))
	})
	a, _ := newAPI(t, b, nil)

	q, err := a.Stocks.Quote(context.Background(), " 600519 ")
	require.NoError(t, err)
	assert.InDelta(t, 1688.5, q.Price, 1e-9)
	assert.Equal(t, "/api/stocks/600519/quote", b.Calls()[0].path)
}
