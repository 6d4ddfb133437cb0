package domain

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// Technology names the radio access technology of a cell.
type Technology string

const (
	TechnologyLTE   Technology = "LTE"
	TechnologyNR    Technology = "5G NR"
	TechnologyGSM   Technology = "GSM"
	TechnologyWCDMA Technology = "WCDMA"
)

// Unavailable is the sentinel the radio stack reports for a value it does not know.
const Unavailable = math.MaxInt32

const notAvailable = "N/A"

// Value is a numeric identifier or measurement that may be unavailable.
// Unavailable values serialize as "N/A".
type Value int64

func (v Value) Available() bool {
	return v != Unavailable
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Available() {
		return []byte(`"` + notAvailable + `"`), nil
	}

	return strconv.AppendInt(nil, int64(v), 10), nil
}

func (v *Value) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte(`"`+notAvailable+`"`)) || bytes.Equal(raw, []byte("null")) {
		*v = Unavailable
		return nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("decode value %q: %w", string(raw), err)
	}
	*v = Value(n)

	return nil
}

// Code is a textual network code (MCC or MNC). Empty codes serialize as "N/A".
type Code string

func (c Code) Available() bool {
	return c != "" && c != notAvailable
}

func (c Code) MarshalJSON() ([]byte, error) {
	if !c.Available() {
		return []byte(`"` + notAvailable + `"`), nil
	}

	return []byte(strconv.Quote(string(c))), nil
}

func (c *Code) UnmarshalJSON(raw []byte) error {
	s, err := strconv.Unquote(string(bytes.TrimSpace(raw)))
	if err != nil {
		return fmt.Errorf("decode code %q: %w", string(raw), err)
	}
	if s == notAvailable {
		s = ""
	}
	*c = Code(s)

	return nil
}

// Operator carries the operator names broadcast by a cell, if any.
type Operator struct {
	AlphaLong  string `json:"alpha_long,omitempty"`
	AlphaShort string `json:"alpha_short,omitempty"`
}

// Cell is one observed radio cell. The set of implementations is closed:
// LTECell, NRCell, GSMCell and WCDMACell.
type Cell interface {
	Technology() Technology
	Registered() bool
	PLMN() (mcc, mnc Code)
	Names() Operator
	// Strength is the value used to rank cells, in dBm.
	Strength() Value
	// Report returns the wire representation with only the fields of this technology.
	Report() CellReport

	sealed()
}

// CellBase holds the fields shared by every technology.
type CellBase struct {
	IsRegistered bool     `json:"registered"`
	MCC          Code     `json:"mcc"`
	MNC          Code     `json:"mnc"`
	Operator     Operator `json:"operator"`
}

func (b CellBase) Registered() bool {
	return b.IsRegistered
}

func (b CellBase) PLMN() (Code, Code) {
	return b.MCC, b.MNC
}

func (b CellBase) Names() Operator {
	return b.Operator
}

func (CellBase) sealed() {}

type LTECell struct {
	CellBase
	PCI    Value `json:"pci"`
	TAC    Value `json:"tac"`
	CI     Value `json:"ci"`
	EARFCN Value `json:"earfcn"`
	RSRP   Value `json:"rsrp"`
	RSRQ   Value `json:"rsrq"`
}

func (LTECell) Technology() Technology { return TechnologyLTE }

func (c LTECell) Strength() Value { return c.RSRP }

func (c LTECell) Report() CellReport {
	return CellReport{
		Network: TechnologyLTE,
		PCI:     ptr(c.PCI),
		TAC:     ptr(c.TAC),
		CI:      ptr(c.CI),
		EARFCN:  ptr(c.EARFCN),
		RSRP:    ptr(c.RSRP),
		RSRQ:    ptr(c.RSRQ),
	}
}

type NRCell struct {
	CellBase
	PCI    Value `json:"pci"`
	TAC    Value `json:"tac"`
	NCI    Value `json:"nci"`
	SSRSRP Value `json:"ss_rsrp"`
	SSRSRQ Value `json:"ss_rsrq"`
}

func (NRCell) Technology() Technology { return TechnologyNR }

func (c NRCell) Strength() Value { return c.SSRSRP }

func (c NRCell) Report() CellReport {
	return CellReport{
		Network: TechnologyNR,
		PCI:     ptr(c.PCI),
		TAC:     ptr(c.TAC),
		NCI:     ptr(c.NCI),
		SSRSRP:  ptr(c.SSRSRP),
		SSRSRQ:  ptr(c.SSRSRQ),
	}
}

type GSMCell struct {
	CellBase
	LAC Value `json:"lac"`
	CID Value `json:"cid"`
	DBM Value `json:"dbm"`
}

func (GSMCell) Technology() Technology { return TechnologyGSM }

func (c GSMCell) Strength() Value { return c.DBM }

func (c GSMCell) Report() CellReport {
	return CellReport{
		Network: TechnologyGSM,
		LAC:     ptr(c.LAC),
		CID:     ptr(c.CID),
		RSSI:    ptr(c.DBM),
	}
}

type WCDMACell struct {
	CellBase
	LAC Value `json:"lac"`
	CID Value `json:"cid"`
	DBM Value `json:"dbm"`
}

func (WCDMACell) Technology() Technology { return TechnologyWCDMA }

func (c WCDMACell) Strength() Value { return c.DBM }

func (c WCDMACell) Report() CellReport {
	return CellReport{
		Network: TechnologyWCDMA,
		LAC:     ptr(c.LAC),
		CID:     ptr(c.CID),
		RSSI:    ptr(c.DBM),
	}
}

// CellReport is the JSON shape of one cell on the wire. Nil fields do not apply
// to the cell's technology and are omitted; present but unknown fields render as "N/A".
type CellReport struct {
	Network Technology `json:"network"`
	Carrier string     `json:"carrier,omitempty"`
	PCI     *Value     `json:"pci,omitempty"`
	TAC     *Value     `json:"tac,omitempty"`
	CI      *Value     `json:"ci,omitempty"`
	NCI     *Value     `json:"nci,omitempty"`
	EARFCN  *Value     `json:"earfcn,omitempty"`
	LAC     *Value     `json:"lac,omitempty"`
	CID     *Value     `json:"cid,omitempty"`
	RSRP    *Value     `json:"rsrp,omitempty"`
	RSRQ    *Value     `json:"rsrq,omitempty"`
	SSRSRP  *Value     `json:"ss_rsrp,omitempty"`
	SSRSRQ  *Value     `json:"ss_rsrq,omitempty"`
	RSSI    *Value     `json:"rssi,omitempty"`
	MCC     *Code      `json:"mcc,omitempty"`
	MNC     *Code      `json:"mnc,omitempty"`
}

func ptr[T any](v T) *T {
	return &v
}
