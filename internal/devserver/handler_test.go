package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockdesk/internal/config"
	"stockdesk/internal/database"
	"stockdesk/internal/domain/notification"
	"stockdesk/internal/middleware"
	"stockdesk/internal/modules/auth"
	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testUser     = "trader"
	testPassword = "secret123"
)

type harness struct {
	srv   *Server
	clock *clock.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.Connect(":memory:", nil)
	require.NoError(t, err)

	cfg := &config.DevConfig{
		Addr:              ":0",
		DatabaseURL:       ":memory:",
		TokenSecret:       "test-secret",
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        24 * time.Hour,
		HeartbeatInterval: time.Hour,
		ServerTimezone:    "Asia/Shanghai",
	}
	fake := clock.NewFake(time.Now().UTC().Truncate(time.Second))
	srv, err := New(cfg, db, nil, fake)
	require.NoError(t, err)
	require.NoError(t, srv.Seed(context.Background(), testUser, testPassword))
	t.Cleanup(srv.Hub().Close)

	return &harness{srv: srv, clock: fake}
}

func (h *harness) do(t *testing.T, method, path, bearer string, body any) (int, *response.Envelope) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w.Code, response.Parse(w.Body.Bytes())
}

func (h *harness) login(t *testing.T) auth.LoginResponse {
	t.Helper()
	status, env := h.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Username: testUser, Password: testPassword})
	require.Equal(t, http.StatusOK, status)
	var out auth.LoginResponse
	require.NoError(t, env.Decode(&out))
	return out
}

func TestLogin_Success(t *testing.T) {
	h := newHarness(t)
	out := h.login(t)

	assert.NotEmpty(t, out.AccessToken)
	assert.NotEmpty(t, out.RefreshToken)
	assert.Equal(t, "bearer", out.TokenType)
	assert.Equal(t, 900, out.ExpiresIn)
	require.NotNil(t, out.User)
	assert.Equal(t, testUser, out.User.Username)
	assert.NotContains(t, out.User.CreatedAt, "Z")
}

func TestLogin_WrongPasswordLocksAccount(t *testing.T) {
	h := newHarness(t)
	bad := auth.LoginRequest{Username: testUser, Password: "nope"}

	for i := 0; i < maxFailedLoginAttempts-1; i++ {
		status, env := h.do(t, http.MethodPost, "/api/auth/login", "", bad)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, middleware.CodeUnauthorized, env.Code)
	}
	status, env := h.do(t, http.MethodPost, "/api/auth/login", "", bad)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, CodeForbidden, env.Code)

	// Locked even with the right password until the lockout passes.
	status, _ = h.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Username: testUser, Password: testPassword})
	assert.Equal(t, http.StatusForbidden, status)

	h.clock.Advance(lockoutDuration + time.Second)
	h.login(t)
}

func TestLogin_Validation(t *testing.T) {
	h := newHarness(t)
	status, env := h.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Username: testUser})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeValidation, env.Code)
	assert.NotEmpty(t, env.Detail)
}

func TestRefresh_RotatesAndDetectsReuse(t *testing.T) {
	h := newHarness(t)
	first := h.login(t)

	status, env := h.do(t, http.MethodPost, "/api/auth/refresh", "", auth.RefreshRequest{RefreshToken: first.RefreshToken})
	require.Equal(t, http.StatusOK, status)
	var rotated auth.RefreshResponse
	require.NoError(t, env.Decode(&rotated))
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, first.RefreshToken, rotated.RefreshToken)

	// Replaying the first token revokes the family.
	status, env = h.do(t, http.MethodPost, "/api/auth/refresh", "", auth.RefreshRequest{RefreshToken: first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, middleware.CodeTokenInvalid, env.Code)

	status, _ = h.do(t, http.MethodPost, "/api/auth/refresh", "", auth.RefreshRequest{RefreshToken: rotated.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRefresh_Expired(t *testing.T) {
	h := newHarness(t)
	out := h.login(t)

	h.clock.Advance(25 * time.Hour)
	status, env := h.do(t, http.MethodPost, "/api/auth/refresh", "", auth.RefreshRequest{RefreshToken: out.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, middleware.CodeTokenExpired, env.Code)
}

func TestProtected_RejectsRefreshTokenAsBearer(t *testing.T) {
	h := newHarness(t)
	out := h.login(t)

	status, _ := h.do(t, http.MethodGet, "/api/auth/me", out.RefreshToken, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.do(t, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env := h.do(t, http.MethodGet, "/api/auth/me", out.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	var me auth.User
	require.NoError(t, env.Decode(&me))
	assert.Equal(t, testUser, me.Username)
}

func TestProtected_ExpiredAccessToken(t *testing.T) {
	h := newHarness(t)
	out := h.login(t)

	h.clock.Advance(16 * time.Minute)
	status, env := h.do(t, http.MethodGet, "/api/auth/me", out.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, middleware.CodeTokenExpired, env.Code)
}

func TestLogout_RevokesRefreshTokens(t *testing.T) {
	h := newHarness(t)
	out := h.login(t)

	status, _ := h.do(t, http.MethodPost, "/api/auth/logout", out.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = h.do(t, http.MethodPost, "/api/auth/refresh", "", auth.RefreshRequest{RefreshToken: out.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUpdateMe_MergesPreferences(t *testing.T) {
	h := newHarness(t)
	out := h.login(t)

	email := "trader@example.com"
	status, env := h.do(t, http.MethodPut, "/api/auth/me", out.AccessToken, map[string]any{
		"email":       email,
		"preferences": map[string]any{"ui_theme": "dark"},
	})
	require.Equal(t, http.StatusOK, status)
	var me auth.User
	require.NoError(t, env.Decode(&me))
	assert.Equal(t, email, me.Email)
	assert.Equal(t, "dark", me.Preferences.UITheme)
	assert.Equal(t, "zh-CN", me.Preferences.Language)
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t)
	out := h.login(t)

	status, env := h.do(t, http.MethodPost, "/api/auth/change-password", out.AccessToken, auth.ChangePasswordRequest{
		OldPassword: "wrong", NewPassword: "newsecret", ConfirmPassword: "newsecret",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeValidation, env.Code)

	status, _ = h.do(t, http.MethodPost, "/api/auth/change-password", out.AccessToken, auth.ChangePasswordRequest{
		OldPassword: testPassword, NewPassword: "newsecret", ConfirmPassword: "newsecret",
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = h.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Username: testUser, Password: "newsecret"})
	assert.Equal(t, http.StatusOK, status)
}

func TestNotifications_Flow(t *testing.T) {
	h := newHarness(t)
	tok := h.login(t).AccessToken

	count := func() int {
		status, env := h.do(t, http.MethodGet, "/api/notifications/unread_count", tok, nil)
		require.Equal(t, http.StatusOK, status)
		var out struct {
			Count int `json:"count"`
		}
		require.NoError(t, env.Decode(&out))
		return out.Count
	}
	assert.Equal(t, len(welcomeNotifications), count())

	status, env := h.do(t, http.MethodGet, "/api/notifications?status=unread&page=1&page_size=20", tok, nil)
	require.Equal(t, http.StatusOK, status)
	var list notification.ListResult
	require.NoError(t, env.Decode(&list))
	require.Len(t, list.Items, len(welcomeNotifications))
	assert.Equal(t, 20, list.PageSize)

	status, _ = h.do(t, http.MethodPost, "/api/notifications/"+list.Items[0].ID+"/read", tok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, len(welcomeNotifications)-1, count())

	status, env = h.do(t, http.MethodPost, "/api/notifications/missing/read", tok, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeNotFound, env.Code)

	status, _ = h.do(t, http.MethodPost, "/api/notifications/read_all", tok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, count())

	status, env = h.do(t, http.MethodGet, "/api/notifications?status=bogus", tok, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeValidation, env.Code)
}

func TestPushNotification_Validation(t *testing.T) {
	h := newHarness(t)
	tok := h.login(t).AccessToken

	status, _ := h.do(t, http.MethodPost, "/api/notifications", tok, map[string]any{"title": "x", "type": "weird"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, env := h.do(t, http.MethodPost, "/api/notifications", tok, map[string]any{"title": "Price alert", "type": "alert"})
	require.Equal(t, http.StatusCreated, status)
	var out struct {
		Notification notification.Notification `json:"notification"`
		Delivered    bool                      `json:"delivered"`
	}
	require.NoError(t, env.Decode(&out))
	assert.False(t, out.Delivered)
	assert.Equal(t, notification.StatusUnread, out.Notification.Status)
}

func TestStream_DeliversPushedNotifications(t *testing.T) {
	h := newHarness(t)
	tok := h.login(t).AccessToken

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/notifications"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+tok, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var f notification.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, notification.FrameConnected, f.Type)

	status, _ := h.do(t, http.MethodPost, "/api/notifications", tok, map[string]any{"title": "Analysis done", "type": "analysis"})
	require.Equal(t, http.StatusCreated, status)

	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, notification.FrameNotification, f.Type)
	var n notification.Notification
	require.NoError(t, json.Unmarshal(f.Data, &n))
	assert.Equal(t, "Analysis done", n.Title)
	assert.Equal(t, notification.TypeAnalysis, n.Type)
}

func TestQuote_Deterministic(t *testing.T) {
	h := newHarness(t)
	tok := h.login(t).AccessToken

	get := func(code string) map[string]any {
		status, env := h.do(t, http.MethodGet, "/api/stocks/"+code+"/quote", tok, nil)
		require.Equal(t, http.StatusOK, status)
		var out map[string]any
		require.NoError(t, env.Decode(&out))
		return out
	}
	a, b := get("000001"), get("000001")
	assert.Equal(t, a["price"], b["price"])
	assert.Equal(t, "A股", a["market"])
	assert.Equal(t, "美股", get("aapl")["market"])
	assert.Equal(t, "AAPL", get("aapl")["code"])

	status, _ := h.do(t, http.MethodGet, "/api/stocks/bad$code/quote", tok, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	status, env := h.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	var out map[string]any
	require.NoError(t, env.Decode(&out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, Version, out["version"])
}
