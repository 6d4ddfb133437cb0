package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/skobkin/cellstream/internal/app"
	"github.com/skobkin/cellstream/internal/config"
	"github.com/skobkin/cellstream/internal/logging"
	"github.com/skobkin/cellstream/internal/sink"
)

const maxPreviewLen = 64

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("run cellsink", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		listen     string
		logLevel   string
		reject     []string
		retain     int
	)
	fs := pflag.NewFlagSet("cellsink", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "config file; only the sink and logging sections are used")
	fs.StringVarP(&listen, "listen", "l", "", "listen address (default "+config.DefaultSinkListen+")")
	fs.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	fs.IntVar(&retain, "retain", sink.DefaultRetain, "recent messages kept per route")
	fs.StringSliceVar(&reject, "reject", nil, "routes to answer with 503, e.g. --reject image")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if fs.Changed("listen") {
		cfg.Sink.Listen = listen
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	cfg.Logging.LogToFile = false

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, ""); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = logMgr.Close() }()
	logger := logMgr.Logger("cli")
	logger.Info("starting cellsink", "version", app.BuildVersion())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := sink.New(nil)
	s.Retain(retain)
	for _, route := range reject {
		s.Reject(route)
		logger.Info("rejecting route", "route", route)
	}
	go logMessages(ctx, s.Notify(256), logger)

	return s.ListenAndServe(ctx, cfg.Sink.Listen)
}

func logMessages(ctx context.Context, msgs <-chan sink.Message, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgs:
			logger.Info("frame", "route", msg.Route, "conn", msg.ConnID, "kind", msg.Kind, "len", len(msg.Text), "preview", preview(msg.Text))
		}
	}
}

func preview(text string) string {
	if len(text) <= maxPreviewLen {
		return text
	}

	return text[:maxPreviewLen] + "..."
}
