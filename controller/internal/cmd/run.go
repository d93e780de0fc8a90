package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/remotectl/controller/internal/agent"
	"github.com/amurg-ai/remotectl/controller/internal/config"
	"github.com/amurg-ai/remotectl/controller/internal/eventbus"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Run the controller in the foreground",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd, args)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	bus := eventbus.New()
	defer bus.Close()
	logger := newLogger(cfg.Logging, os.Stdout, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("remotectl controller starting", "version", version, "config", configPath)

	a := agent.New(cfg, version, bus, logger)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("controller error", "error", err)
		return err
	}
	return nil
}

// newLogger builds the process logger. Records also go to the event bus so
// "watch" can show them.
func newLogger(cfg config.LoggingConfig, w io.Writer, bus *eventbus.Bus) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	if bus != nil {
		h = eventbus.NewSlogHandler(h, bus)
	}
	return slog.New(h)
}
