package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"reminderd/internal/config"
	"reminderd/internal/core"
	"reminderd/internal/db"
	httpapi "reminderd/internal/http"
	"reminderd/internal/metrics"
	"reminderd/internal/runner"
	slackx "reminderd/internal/slack"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config (optional)")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading config")
	}
	if lvl, perr := zerolog.ParseLevel(cfg.LogLevel); perr == nil {
		logger = logger.Level(lvl)
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- Store ----
	pool, err := db.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting to database")
	}
	defer pool.Close()
	if err := db.Migrate(rootCtx, pool); err != nil {
		logger.Fatal().Err(err).Msg("applying migrations")
	}
	store := core.NewStore(pool)
	go metrics.NewPGXPoolStats(pool).Start(15*time.Second, rootCtx.Done())

	// ---- Slack ----
	client, err := slackx.NewClient(cfg.Slack.BotToken, cfg.Slack.QPS, cfg.Slack.Burst)
	if err != nil {
		// Nothing can be delivered without a token; fail fast with a clear message.
		logger.Fatal().Err(err).Msg("configuring slack client")
	}
	sender := slackx.NewRetrying(client, slackx.RetryOptions{
		MaxAttempts: cfg.Slack.RetryMaxAttempts,
		BaseDelay:   cfg.Slack.RetryBaseDelay.Std(),
	})

	run := runner.New(store, sender, logger)

	// ---- Optional in-process due-check trigger ----
	if interval := cfg.RunInterval.Std(); interval > 0 {
		c := cron.New()
		_, cerr := c.AddFunc("@every "+interval.String(), func() {
			ctx, ccancel := context.WithTimeout(rootCtx, interval)
			defer ccancel()
			if _, rerr := run.RunDue(ctx, time.Now().UTC()); rerr != nil {
				logger.Error().Err(rerr).Msg("scheduled due-check failed")
			}
		})
		if cerr != nil {
			logger.Fatal().Err(cerr).Msg("configuring due-check trigger")
		}
		c.Start()
		defer c.Stop()
		logger.Info().Dur("interval", interval).Msg("in-process due-check trigger enabled")
	}

	// ---- HTTP server ----
	srv := httpapi.NewServer(store, run, client, cfg.Auth, logger)
	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	// ---- Graceful shutdown ----
	<-rootCtx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}
