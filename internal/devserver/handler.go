package devserver

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stockdesk/internal/domain/notification"
	"stockdesk/internal/middleware"
	"stockdesk/internal/modules/auth"
	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/logger"
	"stockdesk/internal/pkg/response"
	"stockdesk/internal/pkg/token"
	"stockdesk/internal/pkg/validator"
)

// Business codes of non-auth failures.
const (
	CodeValidation = 40001
	CodeForbidden  = 40301
	CodeNotFound   = 40401
	CodeConflict   = 40901
	CodeInternal   = 50001
)

var stockCode = regexp.MustCompile(`^[A-Za-z0-9.]{1,12}$`)

type Handler struct {
	auth          *AuthService
	notifications *NotificationService
	hub           *Hub
	tokens        accessTokens
	accessTTL     time.Duration
	clock         clock.Clock
	loc           *time.Location
	version       string
	log           *slog.Logger
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	api.GET("/health", h.Health)

	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	// the socket takes its token from the query string
	api.GET("/ws/notifications", h.Stream)

	protected := api.Group("")
	protected.Use(middleware.TokenAuth(h.tokens))
	{
		protected.POST("/auth/logout", h.Logout)
		protected.GET("/auth/me", h.Me)
		protected.PUT("/auth/me", h.UpdateMe)
		protected.POST("/auth/change-password", h.ChangePassword)

		protected.GET("/notifications", h.ListNotifications)
		protected.POST("/notifications", h.PushNotification)
		protected.GET("/notifications/unread_count", h.UnreadCount)
		protected.POST("/notifications/:id/read", h.MarkRead)
		protected.POST("/notifications/read_all", h.MarkAllRead)

		protected.GET("/stocks/:code/quote", h.Quote)
	}
}

type pushRequest struct {
	Title   string `json:"title" validate:"required,max=200"`
	Content string `json:"content"`
	Type    string `json:"type" validate:"required,oneof=analysis alert system"`
	Link    string `json:"link"`
	Source  string `json:"source"`
}

// bind decodes the JSON body into req and validates it, answering 400 on
// failure.
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.ErrorWithDetail(c, http.StatusBadRequest, CodeValidation, "Invalid request", err.Error())
		return false
	}
	if fields := validator.Validate(req); fields != nil {
		response.ErrorWithDetail(c, http.StatusBadRequest, CodeValidation, "Invalid request", validator.Describe(fields))
		return false
	}
	return true
}

func (h *Handler) Health(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"status":    "ok",
		"version":   h.version,
		"timestamp": h.clock.Now().In(h.loc).Format(naiveLayout),
	})
}

func (h *Handler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if !bind(c, &req) {
		return
	}

	user, tokens, err := h.auth.Login(c.Request.Context(), req.Username, req.Password, c.Request.UserAgent(), c.ClientIP())
	if err != nil {
		h.authError(c, err)
		return
	}

	response.Success(c, http.StatusOK, auth.LoginResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int(h.accessTTL / time.Second),
		User:         user.toDTO(h.loc),
	})
}

func (h *Handler) Refresh(c *gin.Context) {
	var req auth.RefreshRequest
	if !bind(c, &req) {
		return
	}

	tokens, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken, c.Request.UserAgent(), c.ClientIP())
	if err != nil {
		h.authError(c, err)
		return
	}

	response.Success(c, http.StatusOK, auth.RefreshResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    int(h.accessTTL / time.Second),
	})
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.auth.Logout(c.Request.Context(), middleware.UserID(c)); err != nil {
		h.internalError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "logged_out"})
}

func (h *Handler) Me(c *gin.Context) {
	user, err := h.auth.CurrentUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.authError(c, err)
		return
	}
	response.Success(c, http.StatusOK, user.toDTO(h.loc))
}

func (h *Handler) UpdateMe(c *gin.Context) {
	var req auth.UpdateUserRequest
	if !bind(c, &req) {
		return
	}

	user, err := h.auth.UpdateProfile(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		h.authError(c, err)
		return
	}
	response.Success(c, http.StatusOK, user.toDTO(h.loc))
}

func (h *Handler) ChangePassword(c *gin.Context) {
	var req auth.ChangePasswordRequest
	if !bind(c, &req) {
		return
	}

	if err := h.auth.ChangePassword(c.Request.Context(), middleware.UserID(c), req); err != nil {
		h.authError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "password_changed"})
}

// authError maps service errors to envelopes. Session failures use the
// 401 business codes the client recognises.
func (h *Handler) authError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		response.Error(c, http.StatusUnauthorized, middleware.CodeUnauthorized, "Invalid username or password")
	case errors.Is(err, ErrRefreshTokenExpired):
		response.Error(c, http.StatusUnauthorized, middleware.CodeTokenExpired, "Refresh token expired")
	case errors.Is(err, ErrInvalidRefreshToken), errors.Is(err, ErrRefreshTokenReused):
		response.Error(c, http.StatusUnauthorized, middleware.CodeTokenInvalid, "Invalid refresh token")
	case errors.Is(err, ErrUserNotFound):
		response.Error(c, http.StatusUnauthorized, middleware.CodeTokenInvalid, "User no longer exists")
	case errors.Is(err, ErrAccountLocked):
		response.Error(c, http.StatusForbidden, CodeForbidden, "Account temporarily locked")
	case errors.Is(err, ErrAccountDisabled):
		response.Error(c, http.StatusForbidden, CodeForbidden, "Account disabled")
	case errors.Is(err, ErrUsernameTaken):
		response.Error(c, http.StatusConflict, CodeConflict, "Username already taken")
	case errors.Is(err, ErrWrongPassword), errors.Is(err, ErrWeakPassword), errors.Is(err, ErrPasswordMismatch):
		response.ErrorWithDetail(c, http.StatusBadRequest, CodeValidation, "Invalid request", err.Error())
	default:
		h.internalError(c, err)
	}
}

func (h *Handler) internalError(c *gin.Context, err error) {
	_ = c.Error(err)
	h.log.Error("request failed", "path", c.FullPath(), logger.Error(err))
	response.Error(c, http.StatusInternalServerError, CodeInternal, "Internal Server Error")
}

func (h *Handler) ListNotifications(c *gin.Context) {
	f := notification.ListFilter{
		Status: c.DefaultQuery("status", notification.FilterAll),
		Type:   notification.Type(c.Query("type")),
	}
	if f.Status != notification.FilterAll && f.Status != notification.FilterUnread {
		response.ErrorWithDetail(c, http.StatusBadRequest, CodeValidation, "Invalid request", "status must be unread or all")
		return
	}
	f.Page, _ = strconv.Atoi(c.Query("page"))
	f.PageSize, _ = strconv.Atoi(c.Query("page_size"))

	res, err := h.notifications.List(c.Request.Context(), middleware.UserID(c), f)
	if err != nil {
		h.internalError(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

func (h *Handler) UnreadCount(c *gin.Context) {
	n, err := h.notifications.UnreadCount(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.internalError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"count": n})
}

func (h *Handler) MarkRead(c *gin.Context) {
	err := h.notifications.MarkRead(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotificationMissing) {
			response.Error(c, http.StatusNotFound, CodeNotFound, "Notification not found")
			return
		}
		h.internalError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "read"})
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	n, err := h.notifications.MarkAllRead(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.internalError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "all_read", "updated": n})
}

// PushNotification stores a notification for the caller and pushes it to
// the caller's open sockets.
func (h *Handler) PushNotification(c *gin.Context) {
	var req pushRequest
	if !bind(c, &req) {
		return
	}

	n, delivered, err := h.notifications.Create(c.Request.Context(), middleware.UserID(c), notification.Notification{
		Title:   req.Title,
		Content: req.Content,
		Type:    notification.Type(req.Type),
		Link:    req.Link,
		Source:  req.Source,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidNotification) {
			response.ErrorWithDetail(c, http.StatusBadRequest, CodeValidation, "Invalid request", err.Error())
			return
		}
		h.internalError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"notification": n, "delivered": delivered})
}

// Stream upgrades to the notification socket. Token failures are answered
// before the upgrade so the client sees a failed handshake.
func (h *Handler) Stream(c *gin.Context) {
	tok := c.Query("token")
	if tok == "" {
		response.Error(c, http.StatusUnauthorized, middleware.CodeUnauthorized, "Token is required")
		return
	}
	claims, err := h.tokens.ValidateToken(tok)
	if err != nil {
		code := middleware.CodeTokenInvalid
		if errors.Is(err, token.ErrExpired) {
			code = middleware.CodeTokenExpired
		}
		response.Error(c, http.StatusUnauthorized, code, "Invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logger.Error(err))
		return
	}
	h.hub.ServeWS(conn, claims.Identity)
}

// Quote returns a deterministic synthetic quote for code.
func (h *Handler) Quote(c *gin.Context) {
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	if !stockCode.MatchString(code) {
		response.ErrorWithDetail(c, http.StatusBadRequest, CodeValidation, "Invalid request", "invalid stock code")
		return
	}
	response.Success(c, http.StatusOK, syntheticQuote(code, h.clock.Now().In(h.loc)))
}

func syntheticQuote(code string, now time.Time) gin.H {
	hf := fnv.New32a()
	_, _ = hf.Write([]byte(code))
	seed := hf.Sum32()

	prevClose := 5 + float64(seed%200000)/100
	changePct := (float64(seed/7%2001) - 1000) / 100
	price := round2(prevClose * (1 + changePct/100))

	market := "A股"
	switch {
	case strings.HasSuffix(code, ".HK") || (len(code) == 5 && isDigits(code)):
		market = "港股"
	case !isDigits(code):
		market = "美股"
	}

	return gin.H{
		"code":           code,
		"name":           code,
		"market":         market,
		"price":          price,
		"prev_close":     round2(prevClose),
		"change":         round2(price - prevClose),
		"change_percent": changePct,
		"open":           round2(prevClose),
		"high":           round2(math.Max(price, prevClose) * 1.01),
		"low":            round2(math.Min(price, prevClose) * 0.99),
		"volume":         float64(seed % 10000000),
		"timestamp":      now.Format(naiveLayout),
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
