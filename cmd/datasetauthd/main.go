// Command datasetauthd serves the dataset API authentication and
// authorization layer. It is configured entirely from the environment.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/datasetauth/internal/app"
	"github.com/ggoodman/datasetauth/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "datasetauthd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := app.NewServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		log.Error("server.fail", slog.String("err", err.Error()))
		return err
	}
	log.Info("server.stopped")
	return nil
}
