package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/skobkin/cellstream/internal/bus"
	"github.com/skobkin/cellstream/internal/camera"
	"github.com/skobkin/cellstream/internal/config"
	"github.com/skobkin/cellstream/internal/connectors"
	"github.com/skobkin/cellstream/internal/domain"
	"github.com/skobkin/cellstream/internal/logging"
	"github.com/skobkin/cellstream/internal/modem"
	"github.com/skobkin/cellstream/internal/persistence"
	"github.com/skobkin/cellstream/internal/stream"
	"github.com/skobkin/cellstream/internal/telemetry"
	"github.com/skobkin/cellstream/internal/transport"
)

// Runtime is the one service instance per process. It owns the channel manager and everything
// that feeds it.
type Runtime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	Manager    *stream.Manager
	Pipeline   *camera.Pipeline
	Emitters   []*telemetry.Emitter
	Sensor     domain.Sensor

	DB          *sql.DB
	ReplayDB    *sql.DB
	ScanRepo    *persistence.ScanRepo
	WriterQueue *persistence.WriterQueue

	modem       *modem.Sensor
	cameraDone  chan struct{}
	captureDone chan struct{}

	signalsMu    sync.RWMutex
	signals      connectors.Signals
	signalsKnown bool

	closeOnce sync.Once
}

// Initialize wires logging, the bus, the channel manager, the frame pipeline, the sensor and
// both telemetry emitters. Nothing connects until Connect is called.
func Initialize(parent context.Context, cfg config.AppConfig, paths Paths) (*Runtime, error) {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting cellstream runtime", "version", BuildVersion(), "build_date", BuildDateYMD())

	rt.Bus = bus.New(logMgr.Logger("bus"))
	rt.captureDone = make(chan struct{})
	topics := append([]string{connectors.TopicSignals}, connectors.SignalTopics...)
	go rt.captureSignals(rt.Bus.Subscribe(topics...))

	aggregate, err := stream.ParseAggregator(cfg.Stream.Aggregation)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	dialer := transport.NewWebSocketDialer(cfg.Stream.HandshakeTimeout())
	dialer.Header.Set("User-Agent", UserAgent())

	rt.Manager, err = stream.NewManager(stream.Options{
		Dialer:       dialer,
		Bus:          rt.Bus,
		Logger:       logMgr.Logger("stream"),
		Routes:       routesFromConfig(cfg.Channels),
		Aggregator:   aggregate,
		WriteTimeout: cfg.Stream.WriteTimeout(),
		OutboxSize:   cfg.Stream.OutboxSize,
	})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize stream manager: %w", err)
	}

	policy, err := camera.ParseReleasePolicy(cfg.Camera.ReleasePolicy)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Pipeline, err = camera.NewPipeline(camera.PipelineOptions{
		Sender:          rt.Manager,
		Encoder:         camera.Codec{Quality: cfg.Camera.Quality}.Encode,
		Policy:          policy,
		ReleaseInterval: cfg.Camera.ReleaseInterval(),
		Streaming:       rt.Manager.Streaming,
		Logger:          logMgr.Logger("camera"),
	})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize frame pipeline: %w", err)
	}
	rt.Pipeline.Start(ctx)

	rt.Sensor, err = rt.buildSensor(ctx, cfg, logMgr.Logger("sensor"))
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	book := domain.DefaultCarriers().Merge(cfg.Telemetry.Carriers)
	telemetryLogger := logMgr.Logger("telemetry")
	primary, err := telemetry.NewPrimaryEmitter(rt.Sensor, rt.Manager, cfg.Telemetry.PrimaryInterval(), book, telemetryLogger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	neighbors, err := telemetry.NewNeighborsEmitter(rt.Sensor, rt.Manager, cfg.Telemetry.NeighborsInterval(), book, telemetryLogger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Emitters = []*telemetry.Emitter{primary, neighbors}
	for _, e := range rt.Emitters {
		e.Start(ctx)
	}

	if cfg.Camera.Enabled {
		rt.startTestPattern(ctx, cfg.Camera)
	}

	return rt, nil
}

func routesFromConfig(cfg config.ChannelsConfig) []stream.Route {
	if cfg.Single {
		return stream.SingleRoute()
	}

	return []stream.Route{
		{Name: stream.Primary, Path: cfg.Primary},
		{Name: stream.Neighbors, Path: cfg.Neighbors},
		{Name: stream.Image, Path: cfg.Image},
	}
}

func (r *Runtime) startTestPattern(ctx context.Context, cfg config.CameraConfig) {
	src := camera.TestPattern{Width: cfg.Width, Height: cfg.Height, FPS: cfg.FPS}
	logger := r.LogManager.Logger("camera")
	r.cameraDone = make(chan struct{})
	go func() {
		defer close(r.cameraDone)
		err := src.Run(ctx, func(f camera.Frame) { r.Pipeline.Submit(f) })
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("test pattern stopped", "error", err)
		}
	}()
	logger.Info("test pattern source started", "width", cfg.Width, "height", cfg.Height, "fps", cfg.FPS)
}

// Connect opens every channel against address:port.
func (r *Runtime) Connect(address, port string) error {
	return r.Manager.ConnectAll(address, port)
}

// ConnectConfigured connects to the server named in the config.
func (r *Runtime) ConnectConfigured() error {
	return r.Connect(r.Config.Server.Address, r.Config.Server.Port)
}

func (r *Runtime) Disconnect() {
	r.Manager.DisconnectAll()
}

// SubmitFrame hands a camera frame to the pipeline. It never blocks.
func (r *Runtime) SubmitFrame(f camera.Frame) bool {
	return r.Pipeline.Submit(f)
}

// Close shuts the manager down, stops every producer and then releases the bus, the journals
// and the log file. It is safe to call more than once.
func (r *Runtime) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		if r.Manager != nil {
			r.Manager.Shutdown()
		}
		for _, e := range r.Emitters {
			e.Stop()
		}
		if r.Pipeline != nil {
			r.Pipeline.Stop()
		}
		if r.cancel != nil {
			r.cancel()
		}
		if r.cameraDone != nil {
			<-r.cameraDone
		}
		if r.WriterQueue != nil {
			r.WriterQueue.Wait()
		}
		if r.Bus != nil {
			r.Bus.Close()
		}
		if r.captureDone != nil {
			<-r.captureDone
		}
		if r.modem != nil {
			if err := r.modem.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close modem: %w", err))
			}
		}
		if r.DB != nil {
			if err := r.DB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close scan journal: %w", err))
			}
		}
		if r.ReplayDB != nil {
			if err := r.ReplayDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close replay journal: %w", err))
			}
		}
		if r.LogManager != nil {
			if err := r.LogManager.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close log file: %w", err))
			}
		}
	})

	return errors.Join(errs...)
}
