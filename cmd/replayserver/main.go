package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"candlestream/config"
	"candlestream/logger"
	"candlestream/pkg/replay"

	"go.uber.org/zap"
)

const (
	readTimeout     = 15 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log, "replayserver")
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	data, err := replay.LoadDataset(cfg.Replay.DataFile)
	if err != nil {
		log.Fatal("failed to load dataset", zap.String("path", cfg.Replay.DataFile), zap.Error(err))
	}
	log.Info("loaded dataset", zap.Int("candles", data.Len()), zap.Int("operations", data.Operations()))

	srv := replay.NewServer(data, replay.Options{
		InitialCandles: cfg.Replay.InitialCandles,
		Interval:       cfg.Replay.Interval,
		AllowedOrigins: cfg.Replay.AllowedOrigins,
	}, log)

	// No write timeout: replay streams are long-lived.
	server := &http.Server{
		Addr:        cfg.Replay.Addr,
		Handler:     srv.Handler(),
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	go func() {
		log.Info("starting replay server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down replay server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	srv.Close()
}
