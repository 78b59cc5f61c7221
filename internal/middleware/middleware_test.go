package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func captureTransport(got *http.Header) http.RoundTripper {
	return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		*got = req.Header.Clone()
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
	})
}

func TestChain_InjectsHeaders(t *testing.T) {
	var got http.Header
	current := "first-token"
	rt := Chain(captureTransport(&got),
		Logging(nil),
		BearerAuth(func() string { return current }),
		RequestID(),
		Language(func() string { return "en-US" }),
		NoCache(),
	)

	req := httptest.NewRequest(http.MethodGet, "http://api.test/api/auth/me", nil)
	_, err := rt.RoundTrip(req)
	require.NoError(t, err)

	assert.Equal(t, "Bearer first-token", got.Get("Authorization"))
	assert.Equal(t, "en-US", got.Get(HeaderAcceptLanguage))
	assert.Equal(t, "no-cache", got.Get("Cache-Control"))
	firstID := got.Get(HeaderRequestID)
	assert.Len(t, firstID, 36)
	assert.Empty(t, req.Header.Get("Authorization"), "caller's request must not be mutated")

	// Token is read at send time.
	current = "second-token"
	_, err = rt.RoundTrip(httptest.NewRequest(http.MethodGet, "http://api.test/x", nil))
	require.NoError(t, err)
	assert.Equal(t, "Bearer second-token", got.Get("Authorization"))
	assert.NotEqual(t, firstID, got.Get(HeaderRequestID))
}

func TestBearerAuth_Skipped(t *testing.T) {
	var got http.Header
	rt := Chain(captureTransport(&got), BearerAuth(func() string { return "tok" }))

	req := httptest.NewRequest(http.MethodPost, "http://api.test/api/auth/login", nil)
	req = req.WithContext(WithoutAuth(context.Background()))
	_, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Empty(t, got.Get("Authorization"))

	rt = Chain(captureTransport(&got), BearerAuth(func() string { return "" }))
	_, err = rt.RoundTrip(httptest.NewRequest(http.MethodGet, "http://api.test/x", nil))
	require.NoError(t, err)
	assert.Empty(t, got.Get("Authorization"))
}

func newAuthRouter(issuer *token.Issuer) *gin.Engine {
	router := gin.New()
	router.Use(AssignRequestID(), TokenAuth(issuer))
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)})
	})
	return router
}

func TestTokenAuth_ValidToken(t *testing.T) {
	issuer := token.NewIssuer("test-secret-123", time.Hour, 24*time.Hour, nil)
	tok, err := issuer.GenerateAccessToken("42")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	newAuthRouter(issuer).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"42"`)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestTokenAuth_QueryToken(t *testing.T) {
	issuer := token.NewIssuer("s", time.Hour, 24*time.Hour, nil)
	tok, _ := issuer.GenerateAccessToken("7")

	w := httptest.NewRecorder()
	newAuthRouter(issuer).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected?token="+tok, nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenAuth_Failures(t *testing.T) {
	fake := clock.NewFake(time.Now())
	issuer := token.NewIssuer("secret", time.Minute, time.Hour, fake)
	expired, _ := issuer.GenerateAccessToken("1")
	fake.Advance(2 * time.Minute)

	other := token.NewIssuer("other-secret", time.Hour, 2*time.Hour, fake)
	foreign, _ := other.GenerateAccessToken("1")

	cases := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "40101"},
		{"wrong scheme", "Basic dGVzdA==", "40101"},
		{"garbage", "Bearer invalid-token-here", "40102"},
		{"foreign signature", "Bearer " + foreign, "40102"},
		{"expired", "Bearer " + expired, "40103"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newAuthRouter(issuer)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"code":`+tc.code)
			assert.Contains(t, w.Body.String(), `"success":false`)
		})
	}
}

func TestErrorLogger_RecoversPanic(t *testing.T) {
	router := gin.New()
	router.Use(AssignRequestID(), ErrorLogger(nil))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"code":50001`)
}

func TestCORS_Preflight(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://desk.example.com, ")
	router := gin.New()
	router.Use(CORS())
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := map[string]string{
		"http://localhost:3000":    "http://localhost:3000",
		"http://127.0.0.1:5173":    "http://127.0.0.1:5173",
		"https://desk.example.com": "https://desk.example.com",
		"https://evil.example.com": "",
	}
	for origin, want := range cases {
		t.Run(origin, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodOptions, "/x", nil)
			req.Header.Set("Origin", origin)
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusNoContent, w.Code)
			assert.Equal(t, want, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Request-ID")
		})
	}
}
