package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"stockdesk/internal/config"
	"stockdesk/internal/middleware"
	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/datetime"
	"stockdesk/internal/pkg/logger"
	"stockdesk/internal/pkg/token"
)

const (
	Version = "dev"

	janitorInterval  = time.Hour
	revokedRetention = 7 * 24 * time.Hour
	shutdownTimeout  = 10 * time.Second
)

// Server owns the router, the socket hub and the stores behind them.
type Server struct {
	cfg    *config.DevConfig
	db     *gorm.DB
	clock  clock.Clock
	loc    *time.Location
	log    *slog.Logger
	engine *gin.Engine

	hub           *Hub
	auth          *AuthService
	notifications *NotificationService
}

func New(cfg *config.DevConfig, db *gorm.DB, log *slog.Logger, c clock.Clock) (*Server, error) {
	if c == nil {
		c = clock.Real{}
	}
	log = logger.OrDiscard(log)

	loc, err := datetime.LoadLocation(cfg.ServerTimezone)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	issuer := token.NewIssuer(cfg.TokenSecret, cfg.AccessTTL, cfg.RefreshTTL, c)
	hub := NewHub(cfg.HeartbeatInterval, c, log)

	s := &Server{
		cfg:           cfg,
		db:            db,
		clock:         c,
		loc:           loc,
		log:           log,
		hub:           hub,
		auth:          NewAuthService(NewUserRepository(db), issuer, c, cfg.TokenSecret, cfg.RefreshTTL, log),
		notifications: NewNotificationService(NewNotificationRepository(db), hub, c, loc),
	}

	r := gin.New()
	r.Use(middleware.AssignRequestID())
	r.Use(middleware.ErrorLogger(log))
	r.Use(middleware.CORS())

	h := &Handler{
		auth:          s.auth,
		notifications: s.notifications,
		hub:           hub,
		tokens:        accessTokens{issuer: issuer},
		accessTTL:     cfg.AccessTTL,
		clock:         c,
		loc:           loc,
		version:       Version,
		log:           log,
	}
	h.RegisterRoutes(r)
	s.engine = r

	return s, nil
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Notifications() *NotificationService { return s.notifications }

// Run serves on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.janitor(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("dev backend listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("dev backend stopped")
	return nil
}

// janitor drops expired and long-revoked refresh tokens.
func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := DeleteExpiredTokens(ctx, s.db, s.clock.Now(), revokedRetention)
			if err != nil {
				s.log.Warn("token cleanup failed", logger.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("token cleanup", "deleted", n)
			}
		}
	}
}
