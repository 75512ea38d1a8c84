package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/auditwatch/internal/api/ws"
	"github.com/gosuda/auditwatch/internal/backend"
	"github.com/gosuda/auditwatch/internal/backfill"
	"github.com/gosuda/auditwatch/internal/config"
	"github.com/gosuda/auditwatch/internal/notify"
	"github.com/gosuda/auditwatch/internal/relay"
	"github.com/gosuda/auditwatch/internal/server"
	"github.com/gosuda/auditwatch/internal/session"
	"github.com/gosuda/auditwatch/internal/stream"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	level, parseErr := zerolog.ParseLevel(os.Getenv("AUDITWATCH_LOG_LEVEL"))
	if parseErr != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("AUDITWATCH_LOG_FORMAT") == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := backend.New(backend.Config{
		BaseURL:    cfg.Backend.URL,
		JWTSecret:  cfg.Backend.JWTSecret,
		JWTSubject: cfg.Backend.JWTSubject,
		JWTTTL:     cfg.Backend.JWTTTL,
		Timeout:    cfg.Backend.Timeout,
		RPS:        cfg.Backend.RPS,
		Burst:      cfg.Backend.Burst,
	})

	opts := session.Options{
		Heartbeat:   cfg.Stream.HeartbeatTimeout,
		Backoff:     stream.Backoff{Base: cfg.Stream.BackoffBase, Max: cfg.Stream.BackoffMax},
		MaxAttempts: cfg.Stream.MaxAttempts,
		History: backfill.Options{
			Limit:      cfg.Stream.HistoryLimit,
			EventTypes: cfg.Stream.HistoryEventTypes,
		},
		PollInterval: cfg.Stream.PollInterval,
		AgentRoot:    cfg.Stream.AgentRoot,
		MaxLogs:      cfg.Stream.MaxLogs,
	}

	// The relay is optional; a nil *relay.Relay must not reach the
	// interface-typed fields below.
	var tail ws.Tailer
	if cfg.Redis.URL != "" {
		rl, relayErr := relay.New(ctx, cfg.Redis.URL)
		if relayErr != nil {
			return relayErr
		}
		defer rl.Close()
		opts.Publisher = rl
		tail = rl
		log.Info().Str("instance", rl.Instance()).Msg("redis log relay enabled")
	}

	if cfg.Slack.BotToken != "" {
		opts.Notifier = notify.NewSlackNotifierFromToken(cfg.Slack.BotToken, cfg.Slack.Channel)
		log.Info().Str("channel", cfg.Slack.Channel).Msg("slack notifications enabled")
	}

	watcher := session.New(client, opts)
	go func() {
		if runErr := watcher.Run(ctx); runErr != nil {
			log.Error().Err(runErr).Msg("watcher stopped")
		}
	}()
	if cfg.TaskID != "" {
		watcher.Select(cfg.TaskID)
	}

	srv := server.New(ctx, cfg, watcher, tail)

	go func() {
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
			cancel()
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}
	watcher.Close()

	log.Info().Msg("stopped")
	return nil
}
