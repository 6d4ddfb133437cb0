package domain

import "time"

const (
	MessageTypePrimaryCell      = "primary_cell"
	MessageTypeNeighboringCells = "neighboring_cells"

	SIMStatusRegistered   = "registered"
	SIMStatusNoRegistered = "no registered cell"
)

// PrimaryCellMessage is sent on the primary channel.
type PrimaryCellMessage struct {
	Type      string      `json:"type"`
	SIMCount  int         `json:"sim_count"`
	SIMs      []SIMReport `json:"sims"`
	Timestamp int64       `json:"timestamp"`
}

type SIMReport struct {
	Slot    int         `json:"slot"`
	Carrier string      `json:"carrier"`
	MCC     Code        `json:"mcc"`
	MNC     Code        `json:"mnc"`
	Status  string      `json:"status"`
	Cell    *CellReport `json:"cell,omitempty"`
}

// NeighboringCellsMessage is sent on the neighbors channel.
type NeighboringCellsMessage struct {
	Type          string       `json:"type"`
	NeighborCount int          `json:"neighbor_count"`
	Cells         []CellReport `json:"cells"`
	Timestamp     int64        `json:"timestamp"`
}

// PrimaryCell picks the strongest registered cell whose PLMN matches the SIM.
func PrimaryCell(sim SIM, cells []Cell) (Cell, bool) {
	if !sim.MCC.Available() || !sim.MNC.Available() {
		return nil, false
	}

	var (
		best     Cell
		bestRank int64
	)
	for _, c := range cells {
		if c == nil || !c.Registered() {
			continue
		}
		mcc, mnc := c.PLMN()
		if mcc != sim.MCC || mnc != sim.MNC {
			continue
		}
		rank := strengthRank(c.Strength())
		if best == nil || rank > bestRank {
			best = c
			bestRank = rank
		}
	}

	return best, best != nil
}

// Neighbors returns the cells the device sees but is not registered on.
func Neighbors(cells []Cell) []Cell {
	out := make([]Cell, 0, len(cells))
	for _, c := range cells {
		if c == nil || c.Registered() {
			continue
		}
		out = append(out, c)
	}

	return out
}

// unknown strength ranks below any measured one
func strengthRank(v Value) int64 {
	if !v.Available() {
		return -1 << 62
	}

	return int64(v)
}

func NewPrimaryCellMessage(scan Scan, book CarrierBook) PrimaryCellMessage {
	msg := PrimaryCellMessage{
		Type:      MessageTypePrimaryCell,
		SIMCount:  len(scan.SIMs),
		SIMs:      make([]SIMReport, 0, len(scan.SIMs)),
		Timestamp: timestamp(scan.At),
	}
	for _, sc := range scan.SIMs {
		report := SIMReport{
			Slot:    sc.SIM.Slot + 1,
			Carrier: sc.SIM.CarrierName,
			MCC:     sc.SIM.MCC,
			MNC:     sc.SIM.MNC,
			Status:  SIMStatusNoRegistered,
		}
		if report.Carrier == "" {
			report.Carrier = book.Name(Operator{}, sc.SIM.MCC, sc.SIM.MNC)
		}
		if cell, ok := PrimaryCell(sc.SIM, sc.Cells); ok {
			r := cell.Report()
			report.Cell = &r
			report.Status = SIMStatusRegistered
		}
		msg.SIMs = append(msg.SIMs, report)
	}

	return msg
}

func NewNeighboringCellsMessage(scan Scan, book CarrierBook) NeighboringCellsMessage {
	neighbors := Neighbors(scan.Cells)
	msg := NeighboringCellsMessage{
		Type:          MessageTypeNeighboringCells,
		NeighborCount: len(neighbors),
		Cells:         make([]CellReport, 0, len(neighbors)),
		Timestamp:     timestamp(scan.At),
	}
	for _, c := range neighbors {
		mcc, mnc := c.PLMN()
		r := c.Report()
		r.Carrier = book.Name(c.Names(), mcc, mnc)
		r.MCC = ptr(mcc)
		r.MNC = ptr(mnc)
		msg.Cells = append(msg.Cells, r)
	}

	return msg
}

func timestamp(at time.Time) int64 {
	if at.IsZero() {
		return 0
	}

	return at.UnixMilli()
}
