package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skobkin/cellstream/internal/config"
	"github.com/skobkin/cellstream/internal/domain"
	"github.com/skobkin/cellstream/internal/modem"
	"github.com/skobkin/cellstream/internal/persistence"
)

// DemoScan is what the static sensor reports: one SIM camped on LTE with an NR and a GSM
// neighbour in range.
func DemoScan() domain.Scan {
	serving := domain.LTECell{
		CellBase: domain.CellBase{IsRegistered: true, MCC: "646", MNC: "04"},
		PCI:      212, TAC: 0x1f4, CI: 0x2a41c03, EARFCN: 1850, RSRP: -94, RSRQ: -10,
	}

	return domain.Scan{
		SIMs: []domain.SIMCells{{
			SIM:   domain.SIM{Slot: 0, SubscriptionID: 1, CarrierName: "TELMA", MCC: "646", MNC: "04"},
			Cells: []domain.Cell{serving},
		}},
		Cells: []domain.Cell{
			serving,
			domain.NRCell{
				CellBase: domain.CellBase{MCC: "646", MNC: "04"},
				PCI:      401, TAC: domain.Unavailable, NCI: domain.Unavailable, SSRSRP: -101, SSRSRQ: -12,
			},
			domain.GSMCell{CellBase: domain.CellBase{MCC: "646", MNC: "01"}, LAC: 0x2bc, CID: 0x1d3, DBM: -79},
		},
	}
}

var errRecordingDisabled = errors.New("recording is disabled")

func (r *Runtime) buildSensor(ctx context.Context, cfg config.AppConfig, logger *slog.Logger) (domain.Sensor, error) {
	var sensor domain.Sensor
	switch cfg.Sensor.Source {
	case config.SensorModem:
		m := modem.NewSensor(modem.SensorOptions{
			PortName: cfg.Sensor.SerialPort,
			BaudRate: cfg.Sensor.SerialBaud,
			Logger:   logger.With("source", string(config.SensorModem)),
		})
		r.modem = m
		sensor = m
	case config.SensorReplay:
		db, err := persistence.Open(ctx, cfg.Sensor.ReplayDB)
		if err != nil {
			return nil, fmt.Errorf("open replay journal: %w", err)
		}
		r.ReplayDB = db
		sensor = persistence.NewReplaySensor(persistence.NewScanRepo(db), logger)
	default:
		sensor = domain.StaticSensor{Snapshot: DemoScan()}
	}

	if !cfg.Recording.Enabled {
		return sensor, nil
	}
	if cfg.Sensor.Source == config.SensorReplay {
		logger.Warn("recording disabled while replaying a journal")
		return sensor, nil
	}

	path := cfg.Recording.DB
	if path == "" {
		path = r.Paths.DBFile
	}
	db, err := persistence.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open scan journal: %w", err)
	}
	r.DB = db
	r.ScanRepo = persistence.NewScanRepo(db)
	r.WriterQueue = persistence.NewWriterQueue(r.LogManager.Logger("persistence"), writerQueueSize)
	r.WriterQueue.Start(r.Ctx)
	if last, err := r.ScanRepo.Latest(ctx); err != nil {
		logger.Warn("read journal tail", "error", err)
	} else if !last.IsZero() {
		logger.Info("appending to journal", "db", path, "last_scan", last)
	}
	logger.Info("recording scans", "db", path)

	return persistence.NewRecordingSensor(sensor, string(cfg.Sensor.Source), r.ScanRepo, r.WriterQueue), nil
}

// ClearJournal drops every recorded scan.
func (r *Runtime) ClearJournal(ctx context.Context) error {
	if r.DB == nil {
		return errRecordingDisabled
	}

	return persistence.ClearDatabase(ctx, r.DB)
}

// PruneJournal drops recorded scans older than maxAge.
func (r *Runtime) PruneJournal(ctx context.Context, maxAge time.Duration) (int64, error) {
	if r.DB == nil {
		return 0, errRecordingDisabled
	}

	return persistence.PruneBefore(ctx, r.DB, time.Now().Add(-maxAge))
}
