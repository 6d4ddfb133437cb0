package domain

import "strings"

const UnknownCarrier = "Unknown Carrier"

// CarrierBook maps MCC followed by MNC to a carrier name. Keys may use the
// network's own MNC width or the three-digit padded form.
type CarrierBook map[string]string

func DefaultCarriers() CarrierBook {
	return CarrierBook{
		"64601": "Airtel",
		"64604": "TELMA",
	}
}

// Merge returns a new book with extra entries layered over b.
func (b CarrierBook) Merge(extra map[string]string) CarrierBook {
	out := make(CarrierBook, len(b)+len(extra))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range extra {
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	return out
}

// Name resolves a carrier name: broadcast long name, then short name, then the
// MCC/MNC table (as reported, then padded to three digits), then UnknownCarrier.
func (b CarrierBook) Name(op Operator, mcc, mnc Code) string {
	if name := strings.TrimSpace(op.AlphaLong); name != "" {
		return name
	}
	if name := strings.TrimSpace(op.AlphaShort); name != "" {
		return name
	}
	if mcc.Available() && mnc.Available() {
		if name, ok := b[string(mcc)+string(mnc)]; ok {
			return name
		}
		if name, ok := b[plmnKey(mcc, mnc)]; ok {
			return name
		}
	}

	return UnknownCarrier
}

func plmnKey(mcc, mnc Code) string {
	m := string(mnc)
	if len(m) == 2 {
		m = "0" + m
	}

	return string(mcc) + m
}
