package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SIM describes one active subscription.
type SIM struct {
	Slot           int    `json:"slot"`
	SubscriptionID int    `json:"subscription_id"`
	CarrierName    string `json:"carrier_name"`
	MCC            Code   `json:"mcc"`
	MNC            Code   `json:"mnc"`
}

// SIMCells pairs a subscription with the cells its modem reports.
type SIMCells struct {
	SIM   SIM
	Cells []Cell
}

// Scan is one pull from the sensor: per-SIM cell lists for primary cell selection
// and the device-wide cell list for neighbor reporting.
type Scan struct {
	At    time.Time
	SIMs  []SIMCells
	Cells []Cell
}

// Sensor supplies telemetry on demand.
type Sensor interface {
	Scan(ctx context.Context) (Scan, error)
}

// StaticSensor always returns the same scan, stamped with the current time.
type StaticSensor struct {
	Snapshot Scan
	Now      func() time.Time
}

func (s StaticSensor) Scan(ctx context.Context) (Scan, error) {
	if err := ctx.Err(); err != nil {
		return Scan{}, err
	}
	out := s.Snapshot
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	out.At = now()

	return out, nil
}

type cellEnvelope struct {
	Technology Technology      `json:"technology"`
	Cell       json.RawMessage `json:"cell"`
}

type simCellsJSON struct {
	SIM   SIM            `json:"sim"`
	Cells []cellEnvelope `json:"cells"`
}

type scanJSON struct {
	At    int64          `json:"at"`
	SIMs  []simCellsJSON `json:"sims"`
	Cells []cellEnvelope `json:"cells"`
}

func (s Scan) MarshalJSON() ([]byte, error) {
	out := scanJSON{At: s.At.UnixMilli()}
	for _, sc := range s.SIMs {
		cells, err := encodeCells(sc.Cells)
		if err != nil {
			return nil, err
		}
		out.SIMs = append(out.SIMs, simCellsJSON{SIM: sc.SIM, Cells: cells})
	}
	cells, err := encodeCells(s.Cells)
	if err != nil {
		return nil, err
	}
	out.Cells = cells

	return json.Marshal(out)
}

func (s *Scan) UnmarshalJSON(raw []byte) error {
	var in scanJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("decode scan: %w", err)
	}

	out := Scan{}
	if in.At > 0 {
		out.At = time.UnixMilli(in.At)
	}
	for _, sc := range in.SIMs {
		cells, err := decodeCells(sc.Cells)
		if err != nil {
			return err
		}
		out.SIMs = append(out.SIMs, SIMCells{SIM: sc.SIM, Cells: cells})
	}
	cells, err := decodeCells(in.Cells)
	if err != nil {
		return err
	}
	out.Cells = cells
	*s = out

	return nil
}

func encodeCells(cells []Cell) ([]cellEnvelope, error) {
	out := make([]cellEnvelope, 0, len(cells))
	for _, c := range cells {
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("encode %s cell: %w", c.Technology(), err)
		}
		out = append(out, cellEnvelope{Technology: c.Technology(), Cell: raw})
	}

	return out, nil
}

func decodeCells(in []cellEnvelope) ([]Cell, error) {
	out := make([]Cell, 0, len(in))
	for _, env := range in {
		c, err := decodeCell(env)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	return out, nil
}

func decodeCell(env cellEnvelope) (Cell, error) {
	var (
		c   Cell
		err error
	)
	switch env.Technology {
	case TechnologyLTE:
		var v LTECell
		err = json.Unmarshal(env.Cell, &v)
		c = v
	case TechnologyNR:
		var v NRCell
		err = json.Unmarshal(env.Cell, &v)
		c = v
	case TechnologyGSM:
		var v GSMCell
		err = json.Unmarshal(env.Cell, &v)
		c = v
	case TechnologyWCDMA:
		var v WCDMACell
		err = json.Unmarshal(env.Cell, &v)
		c = v
	default:
		return nil, fmt.Errorf("unknown cell technology: %q", env.Technology)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s cell: %w", env.Technology, err)
	}

	return c, nil
}
