package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/cellstream/internal/domain"
	"github.com/skobkin/cellstream/internal/stream"
)

const (
	DefaultPrimaryInterval   = 3 * time.Second
	DefaultNeighborsInterval = 5 * time.Second
)

// Sender is the part of the stream manager an emitter uses.
type Sender interface {
	SendOn(name stream.Name, payload string) error
}

// Formatter turns one scan into the message sent on the emitter's channel.
type Formatter func(scan domain.Scan, book domain.CarrierBook) any

func PrimaryFormatter(scan domain.Scan, book domain.CarrierBook) any {
	return domain.NewPrimaryCellMessage(scan, book)
}

func NeighborsFormatter(scan domain.Scan, book domain.CarrierBook) any {
	return domain.NewNeighboringCellsMessage(scan, book)
}

type EmitterOptions struct {
	Channel   stream.Name
	Interval  time.Duration
	Sensor    domain.Sensor
	Sender    Sender
	Format    Formatter
	Carriers  domain.CarrierBook
	Logger    *slog.Logger
	ScanLimit time.Duration
}

// Emitter samples the sensor on a fixed period and sends the formatted record on one channel.
type Emitter struct {
	opts   EmitterOptions
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	sent    uint64
	dropped uint64
	failed  uint64
}

type EmitterStats struct {
	Sent    uint64
	Dropped uint64
	Failed  uint64
}

func NewEmitter(opts EmitterOptions) (*Emitter, error) {
	if opts.Sensor == nil {
		return nil, errors.New("telemetry emitter requires a sensor")
	}
	if opts.Sender == nil {
		return nil, errors.New("telemetry emitter requires a sender")
	}
	if opts.Format == nil {
		return nil, errors.New("telemetry emitter requires a formatter")
	}
	if opts.Channel == "" {
		return nil, errors.New("telemetry emitter requires a channel")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("invalid emitter interval %s", opts.Interval)
	}
	if opts.Carriers == nil {
		opts.Carriers = domain.DefaultCarriers()
	}
	if opts.ScanLimit <= 0 || opts.ScanLimit > opts.Interval {
		opts.ScanLimit = opts.Interval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Emitter{
		opts:   opts,
		logger: opts.Logger.With("channel", string(opts.Channel)),
	}, nil
}

// NewPrimaryEmitter and NewNeighborsEmitter build the two standard emitters.
func NewPrimaryEmitter(sensor domain.Sensor, sender Sender, interval time.Duration, book domain.CarrierBook, logger *slog.Logger) (*Emitter, error) {
	if interval <= 0 {
		interval = DefaultPrimaryInterval
	}

	return NewEmitter(EmitterOptions{
		Channel:  stream.Primary,
		Interval: interval,
		Sensor:   sensor,
		Sender:   sender,
		Format:   PrimaryFormatter,
		Carriers: book,
		Logger:   logger,
	})
}

func NewNeighborsEmitter(sensor domain.Sensor, sender Sender, interval time.Duration, book domain.CarrierBook, logger *slog.Logger) (*Emitter, error) {
	if interval <= 0 {
		interval = DefaultNeighborsInterval
	}

	return NewEmitter(EmitterOptions{
		Channel:  stream.Neighbors,
		Interval: interval,
		Sensor:   sensor,
		Sender:   sender,
		Format:   NeighborsFormatter,
		Carriers: book,
		Logger:   logger,
	})
}

// Start runs the first tick immediately and then one per interval until Stop or ctx is done.
func (e *Emitter) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.run(ctx, e.done)
	e.logger.Info("telemetry emitter started", "interval", e.opts.Interval)
}

func (e *Emitter) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Emitter) Stats() EmitterStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return EmitterStats{Sent: e.sent, Dropped: e.dropped, Failed: e.failed}
}

func (e *Emitter) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick collects one scan and sends it. Failures are logged and counted, never returned.
func (e *Emitter) Tick(ctx context.Context) {
	scanCtx, cancel := context.WithTimeout(ctx, e.opts.ScanLimit)
	scan, err := e.opts.Sensor.Scan(scanCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("sensor scan failed", "error", err)
		}
		e.count(&e.failed)
		return
	}
	e.logServing(ctx, scan)

	payload, err := json.Marshal(e.opts.Format(scan, e.opts.Carriers))
	if err != nil {
		e.logger.Error("telemetry encode failed", "error", err)
		e.count(&e.failed)
		return
	}

	err = e.opts.Sender.SendOn(e.opts.Channel, string(payload))
	switch {
	case err == nil:
		e.count(&e.sent)
		e.logger.Debug("telemetry sent", "len", len(payload))
	case stream.IsSuppressed(err), errors.Is(err, stream.ErrShutdown):
		e.count(&e.dropped)
		e.logger.Debug("telemetry dropped", "reason", err)
	default:
		e.count(&e.failed)
		e.logger.Warn("telemetry send failed", "error", err)
	}
}

func (e *Emitter) logServing(ctx context.Context, scan domain.Scan) {
	if !e.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	for _, sc := range scan.SIMs {
		if c, ok := domain.PrimaryCell(sc.SIM, sc.Cells); ok {
			e.logger.Debug("serving cell", "slot", sc.SIM.Slot, "technology", string(c.Technology()),
				"strength", int64(c.Strength()), "quality", domain.DetermineSignalQuality(c).String())
		}
	}
}

func (e *Emitter) count(field *uint64) {
	e.mu.Lock()
	*field++
	e.mu.Unlock()
}
