// beewatchd runs the bee-monitor media orchestrator: it captures the
// internal and external cameras, streams frames to the backend, follows
// the backend's event bus and serves the UI API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/trymwestin/beewatch/internal/config"
	"github.com/trymwestin/beewatch/internal/coordinator"
	"github.com/trymwestin/beewatch/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		httpAddr   string
		logLevel   string
	)
	flagSet := pflag.NewFlagSet("beewatchd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "/etc/beewatch/config.yaml", "path to YAML config file")
	flagSet.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log := newLogger(cfg.Log)

	coord, err := coordinator.Build(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := httpapi.NewServer(coord, cfg.HTTP.CORSAll, log.With("component", "httpapi"))
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.RegisterOnShutdown(api.CloseStreams)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("http api listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if !coord.Initialize(ctx) {
		log.Warn("coordinator not ready")
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		log.Error("http api failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", "error", serr)
	}
	destroyCtx, cancelDestroy := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelDestroy()
	coord.Destroy(destroyCtx)
	return err
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
