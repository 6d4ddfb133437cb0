package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/cellstream/internal/stream"
)

const DefaultReleaseInterval = time.Second

// ReleasePolicy decides what clears the in-flight slot.
type ReleasePolicy string

const (
	// ReleaseTimer clears the slot on a fixed wall-clock interval regardless of progress.
	ReleaseTimer ReleasePolicy = "timer"
	// ReleaseOnCompletion clears the slot once the frame has been encoded and handed off.
	ReleaseOnCompletion ReleasePolicy = "completion"
)

func ParseReleasePolicy(s string) (ReleasePolicy, error) {
	switch ReleasePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReleaseTimer:
		return ReleaseTimer, nil
	case ReleaseOnCompletion:
		return ReleaseOnCompletion, nil
	default:
		return "", fmt.Errorf("unknown release policy %q", s)
	}
}

// Sender is the part of the stream manager the pipeline uses.
type Sender interface {
	SendOn(name stream.Name, payload string) error
	ReportError(err error)
}

type PipelineOptions struct {
	Sender          Sender
	Encoder         func(Frame) (string, error)
	Channel         stream.Name
	Policy          ReleasePolicy
	ReleaseInterval time.Duration
	// Streaming, when set, drops frames before they claim the slot while it reports false.
	Streaming func() bool
	Logger    *slog.Logger
}

type PipelineStats struct {
	Accepted     uint64
	Dropped      uint64
	NotStreaming uint64
	Encoded      uint64
	Sent         uint64
	Failed       uint64
}

// Pipeline admits at most one frame at a time and drops the rest. Encoding and sending happen
// on a dedicated worker, never on the caller's goroutine.
type Pipeline struct {
	opts   PipelineOptions
	logger *slog.Logger

	inFlight atomic.Bool
	work     chan Frame

	accepted     atomic.Uint64
	dropped      atomic.Uint64
	notStreaming atomic.Uint64
	encoded      atomic.Uint64
	sent         atomic.Uint64
	failed       atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Sender == nil {
		return nil, errors.New("frame pipeline requires a sender")
	}
	if opts.Encoder == nil {
		opts.Encoder = Encode
	}
	if opts.Channel == "" {
		opts.Channel = stream.Image
	}
	if opts.Policy == "" {
		opts.Policy = ReleaseTimer
	}
	if opts.Policy != ReleaseTimer && opts.Policy != ReleaseOnCompletion {
		return nil, fmt.Errorf("unknown release policy %q", opts.Policy)
	}
	if opts.ReleaseInterval <= 0 {
		opts.ReleaseInterval = DefaultReleaseInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Pipeline{
		opts:   opts,
		logger: opts.Logger,
		work:   make(chan Frame, 1),
	}, nil
}

// Start launches the worker and, for the timer policy, the release ticker.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.runWorker(ctx)
	if p.opts.Policy == ReleaseTimer {
		p.wg.Add(1)
		go p.runReleaseTimer(ctx)
	}
	p.logger.Info("frame pipeline started", "policy", string(p.opts.Policy), "release_interval", p.opts.ReleaseInterval)
}

// Stop ends the worker after the frame in progress, if any, has finished.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	p.stopped.Store(true)
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Submit offers f to the pipeline. It never blocks and reports whether the frame was accepted.
func (p *Pipeline) Submit(f Frame) bool {
	if p.stopped.Load() {
		p.dropped.Add(1)
		return false
	}
	if p.opts.Streaming != nil && !p.opts.Streaming() {
		p.notStreaming.Add(1)
		return false
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.dropped.Add(1)
		return false
	}

	select {
	case p.work <- f:
		p.accepted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

func (p *Pipeline) InFlight() bool {
	return p.inFlight.Load()
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Accepted:     p.accepted.Load(),
		Dropped:      p.dropped.Load(),
		NotStreaming: p.notStreaming.Load(),
		Encoded:      p.encoded.Load(),
		Sent:         p.sent.Load(),
		Failed:       p.failed.Load(),
	}
}

func (p *Pipeline) runWorker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-p.work:
			p.process(f)
			if p.opts.Policy == ReleaseOnCompletion {
				p.inFlight.Store(false)
			}
		}
	}
}

func (p *Pipeline) runReleaseTimer(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.ReleaseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.inFlight.Store(false)
		}
	}
}

func (p *Pipeline) process(f Frame) {
	payload, err := p.opts.Encoder(f)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("frame encode failed", "width", f.Width, "height", f.Height, "error", err)
		p.opts.Sender.ReportError(frameError(err))
		return
	}
	p.encoded.Add(1)

	err = p.opts.Sender.SendOn(p.opts.Channel, payload)
	switch {
	case err == nil:
		p.sent.Add(1)
		p.logger.Debug("frame sent", "len", len(payload))
	case stream.IsSuppressed(err), errors.Is(err, stream.ErrShutdown):
		p.logger.Debug("frame dropped", "reason", err)
	default:
		p.failed.Add(1)
		p.logger.Warn("frame send failed", "error", err)
		p.opts.Sender.ReportError(frameError(err))
	}
}

func frameError(err error) error {
	return fmt.Errorf("Frame error: %w", err)
}
