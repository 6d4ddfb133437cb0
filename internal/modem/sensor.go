package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/cellstream/internal/domain"
)

const (
	DefaultBaudRate       = 115200
	defaultCommandTimeout = 3 * time.Second
)

// Sensor reads cell telemetry from a Quectel-style modem over AT commands. The port is opened
// lazily and reopened after a transport error.
type Sensor struct {
	portName       string
	baud           int
	open           Opener
	commandTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu      sync.Mutex
	port    Port
	session *session
}

type SensorOptions struct {
	PortName       string
	BaudRate       int
	Opener         Opener
	CommandTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

func NewSensor(opts SensorOptions) *Sensor {
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.Opener == nil {
		opts.Opener = OpenSerial
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Sensor{
		portName:       opts.PortName,
		baud:           opts.BaudRate,
		open:           opts.Opener,
		commandTimeout: opts.CommandTimeout,
		logger:         opts.Logger.With("port", opts.PortName),
		now:            opts.Now,
	}
}

// Scan queries the operator, the serving cell and the neighbour list.
func (s *Sensor) Scan(ctx context.Context) (domain.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return domain.Scan{}, err
	}

	scan, err := s.scan(ctx)
	if err != nil {
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			s.logger.Warn("modem session reset", "error", err)
			s.closeLocked()
		}
		return domain.Scan{}, err
	}

	return scan, nil
}

func (s *Sensor) scan(ctx context.Context) (domain.Scan, error) {
	if _, err := s.command(ctx, "AT+COPS=3,2"); err != nil {
		return domain.Scan{}, err
	}
	cops, err := s.command(ctx, "AT+COPS?")
	if err != nil {
		return domain.Scan{}, err
	}

	sim := domain.SIM{Slot: 0}
	if mcc, mnc, err := parsePLMN(cops); err == nil {
		sim.MCC, sim.MNC = mcc, mnc
	} else {
		s.logger.Debug("operator not available", "error", err)
	}

	var op domain.Operator
	if qspn, err := s.command(ctx, "AT+QSPN"); err == nil {
		op = parseOperator(qspn)
		sim.CarrierName = op.AlphaLong
	} else {
		s.logger.Debug("operator name not available", "error", err)
	}

	servingLines, err := s.command(ctx, `AT+QENG="servingcell"`)
	if err != nil {
		return domain.Scan{}, err
	}
	serving, err := parseServing(servingLines, op)
	if err != nil {
		return domain.Scan{}, err
	}

	var neighbours []domain.Cell
	if lines, err := s.command(ctx, `AT+QENG="neighbourcell"`); err == nil {
		neighbours = parseNeighbours(lines)
	} else {
		s.logger.Debug("neighbour list not available", "error", err)
	}

	cells := make([]domain.Cell, 0, len(serving)+len(neighbours))
	cells = append(cells, serving...)
	cells = append(cells, neighbours...)

	return domain.Scan{
		At:    s.now(),
		SIMs:  []domain.SIMCells{{SIM: sim, Cells: serving}},
		Cells: cells,
	}, nil
}

func (s *Sensor) command(ctx context.Context, cmd string) ([]string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	lines, err := s.session.Command(cmdCtx, cmd)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("at command", "command", cmd, "lines", len(lines))

	return lines, nil
}

func (s *Sensor) ensureOpen() error {
	if s.port != nil {
		return nil
	}
	port, err := s.open(s.portName, s.baud)
	if err != nil {
		return fmt.Errorf("open modem: %w", err)
	}
	s.port = port
	s.session = newSession(port)
	s.logger.Info("modem opened", "baud", s.baud)

	return nil
}

func (s *Sensor) closeLocked() {
	if s.port == nil {
		return
	}
	if err := s.port.Close(); err != nil {
		s.logger.Debug("modem close failed", "error", err)
	}
	s.port = nil
	s.session = nil
}

func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()

	return nil
}
