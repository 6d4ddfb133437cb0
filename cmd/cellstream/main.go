package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/skobkin/cellstream/internal/app"
	"github.com/skobkin/cellstream/internal/bus"
	"github.com/skobkin/cellstream/internal/config"
	"github.com/skobkin/cellstream/internal/connectors"
	"github.com/skobkin/cellstream/internal/modem"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("run cellstream", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, fs, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(fs)
			return nil
		}
		return err
	}
	switch {
	case opts.help:
		printHelp(fs)
		return nil
	case opts.version:
		fmt.Println(app.Name, app.BuildVersionWithDate())
		return nil
	case opts.listPorts:
		ports, err := modem.ListPorts()
		if err != nil {
			return err
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := resolvePaths(opts.dataDir)
	if err != nil {
		return err
	}
	cfgPath := opts.configPath
	if cfgPath == "" {
		cfgPath = paths.ConfigFile
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	opts.apply(&cfg)
	if opts.saveConfig {
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	}

	rt, err := app.Initialize(ctx, cfg, paths)
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Warn("close runtime", "error", closeErr)
		}
	}()

	logger := rt.LogManager.Logger("cli")
	if err := maintainJournal(ctx, rt, opts, logger); err != nil {
		return err
	}
	watch(ctx, rt.Bus, logger)

	if !opts.noConnect {
		if err := rt.ConnectConfigured(); err != nil {
			// already published as the last error
			logger.Warn("connect", "error", err)
		}
	}

	if opts.listenFor > 0 {
		logger.Info("listen mode", "duration", opts.listenFor)
		select {
		case <-ctx.Done():
		case <-time.After(opts.listenFor):
		}
	} else {
		logger.Info("streaming until interrupt")
		<-ctx.Done()
	}

	if sig, known := rt.CurrentSignals(); known {
		logger.Info("final signals", "streaming", sig.Streaming, "status", sig.Status, "last_error", sig.LastError)
	}

	return nil
}

func maintainJournal(ctx context.Context, rt *app.Runtime, opts options, logger *slog.Logger) error {
	if opts.clearJournal {
		if err := rt.ClearJournal(ctx); err != nil {
			return fmt.Errorf("clear journal: %w", err)
		}
		logger.Info("journal cleared")
	}
	if opts.pruneJournal > 0 {
		n, err := rt.PruneJournal(ctx, opts.pruneJournal)
		if err != nil {
			return fmt.Errorf("prune journal: %w", err)
		}
		logger.Info("journal pruned", "removed", n, "older_than", opts.pruneJournal)
	}

	return nil
}

func resolvePaths(dataDir string) (app.Paths, error) {
	if dataDir != "" {
		return app.PathsAt(dataDir)
	}

	return app.ResolvePaths()
}

// watch logs the three published signals and channel lifecycle events until ctx is done.
func watch(ctx context.Context, b bus.MessageBus, logger *slog.Logger) {
	topics := append([]string{connectors.TopicChannel}, connectors.SignalTopics...)
	sub := b.Subscribe(topics...)

	go func() {
		defer b.Unsubscribe(sub, topics...)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				logSignal(logger, raw)
			}
		}
	}()
}

func logSignal(logger *slog.Logger, raw any) {
	switch msg := raw.(type) {
	case connectors.StreamingChanged:
		logger.Info("streaming", "value", msg.Streaming)
	case connectors.ConnectionStatus:
		logger.Info("status", "value", msg.Status, "channel", msg.Channel, "session", msg.SessionID)
	case connectors.ErrorReport:
		logger.Warn("error", "value", msg.Message, "channel", msg.Channel)
	case connectors.ChannelEvent:
		logger.Debug("channel", "name", msg.Channel, "event", msg.Kind, "detail", msg.Detail)
	}
}

func printHelp(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `cellstream streams cell telemetry and camera frames to a WebSocket server.

Telemetry goes to ws://<address>:<port>/ws/primary every 3s and /ws/neighbors every 5s;
frames go to /ws/image at most once per release interval. Server address and port may also
come from %s and %s.

Usage:
  cellstream [flags]

Flags:
`, config.EnvServerAddress, config.EnvServerPort)
	fs.SetOutput(os.Stderr)
	fs.PrintDefaults()
}
