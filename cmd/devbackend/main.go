package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"stockdesk/internal/config"
	"stockdesk/internal/database"
	"stockdesk/internal/devserver"
	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/logger"
)

func main() {
	seed := flag.Bool("seed", true, "create the seed user when missing")
	flag.Parse()

	log := logger.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := config.LoadDev(log)
	if err != nil {
		log.Error("config", logger.Error(err))
		os.Exit(1)
	}
	log = logger.New(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		log.Error("db connection failed", logger.Error(err))
		os.Exit(1)
	}

	srv, err := devserver.New(cfg, db, log, clock.Real{})
	if err != nil {
		log.Error("dev backend init failed", logger.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *seed {
		if err := srv.Seed(ctx, cfg.SeedUser, cfg.SeedPassword); err != nil {
			log.Error("seed failed", logger.Error(err))
			os.Exit(1)
		}
	}

	if err := srv.Run(ctx); err != nil {
		log.Error("dev backend stopped", logger.Error(err))
		os.Exit(1)
	}
}
