package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const writeTimeout = 5 * time.Second

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue serializes database writes on one goroutine and retries failed ones.
type WriterQueue struct {
	logger *slog.Logger
	queue  chan writeCmd

	mu      sync.Mutex
	dropped uint64
	wg      sync.WaitGroup
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WriterQueue{
		logger: logger,
		queue:  make(chan writeCmd, capacity),
	}
}

// Enqueue never blocks; a write that does not fit in the queue is dropped and counted.
func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) bool {
	cmd := writeCmd{name: name, fn: fn}
	select {
	case w.queue <- cmd:
		return true
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		w.logger.Warn("db write dropped: queue full", "cmd", name)
		return false
	}
}

func (w *WriterQueue) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.dropped
}

// Start runs writes until ctx is done, then drains what is already queued.
func (w *WriterQueue) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			if ctx.Err() != nil {
				w.drain()
				return
			}
			select {
			case <-ctx.Done():
				w.drain()
				return
			case cmd := <-w.queue:
				w.runWithRetry(ctx, cmd)
			}
		}
	}()
}

// Wait blocks until the writer goroutine has exited.
func (w *WriterQueue) Wait() {
	w.wg.Wait()
}

func (w *WriterQueue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case cmd := <-w.queue:
			if err := cmd.fn(ctx); err != nil {
				w.logger.Error("db write failed during drain", "cmd", cmd.name, "error", err)
			}
		default:
			return
		}
	}
}

// runWithRetry runs cmd on a context detached from stop so a write already taken off the
// queue completes; ctx only cuts the backoff between retries short.
func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := w.runOnce(ctx, cmd); err != nil {
			w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
			if attempt == maxAttempts {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
			continue
		}
		return
	}
}

func (w *WriterQueue) runOnce(ctx context.Context, cmd writeCmd) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	return cmd.fn(wctx)
}
