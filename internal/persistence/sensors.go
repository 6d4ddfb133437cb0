package persistence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/cellstream/internal/domain"
)

// RecordingSensor journals every successful scan of the wrapped sensor through a WriterQueue.
type RecordingSensor struct {
	inner  domain.Sensor
	source string
	repo   *ScanRepo
	writer *WriterQueue
}

func NewRecordingSensor(inner domain.Sensor, source string, repo *ScanRepo, writer *WriterQueue) *RecordingSensor {
	return &RecordingSensor{inner: inner, source: source, repo: repo, writer: writer}
}

func (s *RecordingSensor) Scan(ctx context.Context) (domain.Scan, error) {
	scan, err := s.inner.Scan(ctx)
	if err != nil {
		return scan, err
	}
	s.writer.Enqueue("insert_scan", func(ctx context.Context) error {
		_, err := s.repo.Insert(ctx, s.source, scan)
		return err
	})

	return scan, nil
}

// ReplaySensor serves journaled scans in insertion order and wraps around at the end.
// Each scan is restamped with the current time.
type ReplaySensor struct {
	repo   *ScanRepo
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	next int
}

var ErrEmptyJournal = errors.New("scan journal is empty")

func NewReplaySensor(repo *ScanRepo, logger *slog.Logger) *ReplaySensor {
	if logger == nil {
		logger = slog.Default()
	}

	return &ReplaySensor{repo: repo, logger: logger, now: time.Now}
}

func (s *ReplaySensor) Scan(ctx context.Context) (domain.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.repo.List(ctx, s.next, 1)
	if err != nil {
		return domain.Scan{}, err
	}
	if len(rows) == 0 {
		if s.next == 0 {
			return domain.Scan{}, ErrEmptyJournal
		}
		s.logger.Debug("replay wrapped", "played", s.next)
		s.next = 0
		rows, err = s.repo.List(ctx, 0, 1)
		if err != nil {
			return domain.Scan{}, err
		}
		if len(rows) == 0 {
			return domain.Scan{}, ErrEmptyJournal
		}
	}
	s.next++

	scan := rows[0].Scan
	scan.At = s.now()

	return scan, nil
}
