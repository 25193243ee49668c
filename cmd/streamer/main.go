package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"candlestream/config"
	"candlestream/internal/live/history"
	"candlestream/internal/live/memorystore"
	"candlestream/internal/live/monitor"
	"candlestream/internal/live/session"
	"candlestream/logger"
	"candlestream/pkg/feed"
	"candlestream/pkg/storage/postgres"

	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log, "streamer")
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("streamer failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var opts []session.Option
	if cfg.Postgres.Enabled {
		client, err := postgres.InitializeAndMigrate(cfg.Postgres, cfg.Log.Environment, true)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, session.WithRecorder(client))
		log.Info("archiving to postgres", zap.String("dbname", cfg.Postgres.DBName))

		if keep := cfg.Postgres.Retention; keep > 0 {
			go client.RunRetention(ctx, keep, cfg.Postgres.RetentionInterval, log.Named("retention"))
			log.Info("archive retention enabled", zap.Duration("keep", keep))
		}
	}

	manager := feed.NewManager(log, feed.WithDialTimeout(cfg.Stream.DialTimeout))
	limits := memorystore.Limits{Capacity: cfg.Stream.Capacity, WindowSize: cfg.Stream.WindowSize}
	sess := session.New(manager, limits, log, opts...)
	defer sess.Close()

	if cfg.History.URL != "" {
		loader := &history.Loader{
			Fetcher: feed.NewRESTClient(cfg.History.URL, cfg.History.Timeout),
			Target:  sess,
			Timeout: cfg.History.Timeout,
			Logger:  log,
		}
		if err := loader.Load(ctx); err != nil {
			log.Warn("continuing without history", zap.Error(err))
		}
	}

	reporter := &monitor.Reporter{Source: sess, Interval: cfg.Monitor.Interval, Logger: log}
	reporter.Start(ctx)

	connectOpts := feed.ConnectOptions{
		MaxAttempts: cfg.Stream.MaxReconnectAttempts,
		BaseDelay:   cfg.Stream.ReconnectDelay,
	}
	if err := sess.Start(ctx, cfg.Stream.URL, connectOpts); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		// The first attempt is not retried automatically.
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
