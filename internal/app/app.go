// Package app assembles the client stack from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"stockdesk/internal/api"
	"stockdesk/internal/client"
	"stockdesk/internal/config"
	"stockdesk/internal/domain/notification"
	"stockdesk/internal/modules/auth"
	"stockdesk/internal/modules/preferences"
	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/datetime"
	"stockdesk/internal/pkg/logger"
	"stockdesk/internal/pkg/notice"
	"stockdesk/internal/pkg/token"
	"stockdesk/internal/storage"
)

type Options struct {
	// Sink shows user-facing notices; nil logs them.
	Sink notice.Sink
	// Navigator is told when the user has to log in again.
	Navigator client.Navigator
	// Store overrides the store selected by the configuration.
	Store  storage.Store
	Clock  clock.Clock
	Logger *slog.Logger
}

type App struct {
	Config *config.Config
	Log    *slog.Logger

	Store         storage.Store
	Prefs         *preferences.Service
	Client        *client.Client
	API           *api.API
	Auth          *auth.Service
	Feed          *notification.Feed
	Notifications *notification.Service
	Channel       *notification.Channel
}

func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = logger.New(cfg.LogLevel, cfg.LogFormat)
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	sink := opts.Sink
	if sink == nil {
		sink = notice.LogSink{Log: log}
	}
	nav := opts.Navigator
	if nav == nil {
		nav = client.NavigatorFunc(func() { log.Info("login required") })
	}

	loc, err := datetime.LoadLocation(cfg.ServerTimezone)
	if err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store, err = storage.Open(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	prefs := preferences.Load(ctx, store, cfg.Language, log.With(logger.Component("preferences")))

	cl := client.New(client.Options{
		BaseURL:          cfg.APIBaseURL,
		Timeout:          cfg.RequestTimeout,
		Retry:            &client.RetryPolicy{Count: cfg.RetryCount, BaseDelay: cfg.RetryDelay},
		RecoveryCooldown: cfg.AuthRecoveryCooldown,
		Notifier:         notice.New(sink, cfg.NoticeCooldown, c),
		Clock:            c,
		Language:         prefs.Language,
		Logger:           log.With(logger.Component("http")),
	})
	remote := api.New(cl)

	authSvc := auth.NewService(auth.Options{
		Remote:           remote.Auth,
		Store:            store,
		Codec:            token.NewCodec(token.WithClock(c), token.WithLocation(loc)),
		Prefs:            prefs,
		Recoverer:        cl,
		Navigator:        nav,
		Clock:            c,
		Logger:           log.With(logger.Component("auth")),
		RefreshInterval:  cfg.TokenRefreshInterval,
		RefreshThreshold: cfg.TokenRefreshThreshold,
	})
	cl.SetSession(authSvc)
	cl.SetNavigator(nav)

	feed := notification.NewFeed(c)
	notifLog := log.With(logger.Component("notifications"))

	return &App{
		Config:        cfg,
		Log:           log,
		Store:         store,
		Prefs:         prefs,
		Client:        cl,
		API:           remote,
		Auth:          authSvc,
		Feed:          feed,
		Notifications: notification.NewService(remote.Notifications, feed, notifLog),
		Channel: notification.NewChannel(notification.ChannelOptions{
			BaseURL:     cfg.WSBaseURL,
			Token:       authSvc.AccessToken,
			Feed:        feed,
			MaxAttempts: &cfg.WSMaxReconnectAttempts,
			BaseDelay:   cfg.WSBaseDelay,
			MaxDelay:    cfg.WSMaxDelay,
			Logger:      notifLog,
		}),
	}, nil
}

// Start rehydrates the session from storage.
func (a *App) Start(ctx context.Context) error {
	return a.Auth.Restore(ctx)
}

func (a *App) Close() error {
	a.Channel.Disconnect()
	a.Auth.StopAutoRefresh()
	return a.Store.Close()
}
