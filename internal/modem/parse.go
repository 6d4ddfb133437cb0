package modem

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/skobkin/cellstream/internal/domain"
)

const (
	qengPrefix = "+QENG:"
	copsPrefix = "+COPS:"
	qspnPrefix = "+QSPN:"
)

// fields splits an AT response body on commas and strips quotes.
func fields(line, prefix string) []string {
	body := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if body == "" {
		return nil
	}
	parts := strings.Split(body, ",")
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), `"`)
	}

	return parts
}

func field(f []string, i int) string {
	if i < 0 || i >= len(f) {
		return ""
	}

	return f[i]
}

func decValue(s string) domain.Value {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return domain.Unavailable
	}

	return domain.Value(n)
}

func hexValue(s string) domain.Value {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 16, 64)
	if err != nil {
		return domain.Unavailable
	}

	return domain.Value(n)
}

func code(s string) domain.Code {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return ""
	}

	return domain.Code(s)
}

// mnc keeps the width the network reports but restores the leading zero Quectel drops for
// two-digit codes printed as integers.
func mnc(s string) domain.Code {
	s = strings.TrimSpace(s)
	if len(s) == 1 {
		s = "0" + s
	}

	return code(s)
}

// parsePLMN reads the numeric operator from +COPS: <mode>,<format>,"<oper>",<act>.
func parsePLMN(lines []string) (domain.Code, domain.Code, error) {
	for _, line := range lines {
		if !strings.HasPrefix(line, copsPrefix) {
			continue
		}
		f := fields(line, copsPrefix)
		oper := field(f, 2)
		if len(oper) < 5 {
			return "", "", fmt.Errorf("no registered operator in %q", line)
		}
		return code(oper[:3]), code(oper[3:]), nil
	}

	return "", "", fmt.Errorf("missing %s response", copsPrefix)
}

// parseOperator reads +QSPN: "<FNN>","<SNN>","<SPN>",<alphabet>,"<RPLMN>".
func parseOperator(lines []string) domain.Operator {
	for _, line := range lines {
		if !strings.HasPrefix(line, qspnPrefix) {
			continue
		}
		f := fields(line, qspnPrefix)
		op := domain.Operator{AlphaLong: field(f, 0), AlphaShort: field(f, 1)}
		if op.AlphaLong == "" {
			op.AlphaLong = field(f, 2)
		}
		return op
	}

	return domain.Operator{}
}

// parseServing reads AT+QENG="servingcell". It returns no cells when the modem is searching
// or camped without service.
func parseServing(lines []string, op domain.Operator) ([]domain.Cell, error) {
	var (
		cells      []domain.Cell
		registered = true
	)
	for _, line := range lines {
		if !strings.HasPrefix(line, qengPrefix) {
			continue
		}
		f := fields(line, qengPrefix)
		if field(f, 0) == "servingcell" {
			state := field(f, 1)
			if state == "SEARCH" || state == "LIMSRV" {
				registered = false
			}
			f = f[min(2, len(f)):]
		}
		if len(f) == 0 || !registered {
			continue
		}

		cell, err := servingCell(f, op)
		if err != nil {
			return nil, err
		}
		if cell != nil {
			cells = append(cells, cell)
		}
	}

	return cells, nil
}

func servingCell(f []string, op domain.Operator) (domain.Cell, error) {
	base := func(mccIdx, mncIdx int) domain.CellBase {
		return domain.CellBase{
			IsRegistered: true,
			MCC:          code(field(f, mccIdx)),
			MNC:          mnc(field(f, mncIdx)),
			Operator:     op,
		}
	}

	switch field(f, 0) {
	case "LTE":
		// "LTE",<is_tdd>,<MCC>,<MNC>,<cellID>,<PCID>,<earfcn>,<band>,<UL_bw>,<DL_bw>,<TAC>,<RSRP>,<RSRQ>,...
		if len(f) < 13 {
			return nil, fmt.Errorf("short LTE serving cell record: %d fields", len(f))
		}
		return domain.LTECell{
			CellBase: base(2, 3),
			CI:       hexValue(field(f, 4)),
			PCI:      decValue(field(f, 5)),
			EARFCN:   decValue(field(f, 6)),
			TAC:      hexValue(field(f, 10)),
			RSRP:     decValue(field(f, 11)),
			RSRQ:     decValue(field(f, 12)),
		}, nil
	case "NR5G-SA":
		// "NR5G-SA",<duplex>,<MCC>,<MNC>,<cellID>,<PCID>,<TAC>,<ARFCN>,<band>,<DL_bw>,<RSRP>,<RSRQ>,...
		if len(f) < 12 {
			return nil, fmt.Errorf("short NR serving cell record: %d fields", len(f))
		}
		return domain.NRCell{
			CellBase: base(2, 3),
			NCI:      hexValue(field(f, 4)),
			PCI:      decValue(field(f, 5)),
			TAC:      hexValue(field(f, 6)),
			SSRSRP:   decValue(field(f, 10)),
			SSRSRQ:   decValue(field(f, 11)),
		}, nil
	case "NR5G-NSA":
		// "NR5G-NSA",<MCC>,<MNC>,<PCID>,<RSRP>,<SINR>,<RSRQ>,...
		if len(f) < 7 {
			return nil, fmt.Errorf("short NR NSA record: %d fields", len(f))
		}
		return domain.NRCell{
			CellBase: base(1, 2),
			PCI:      decValue(field(f, 3)),
			TAC:      domain.Unavailable,
			NCI:      domain.Unavailable,
			SSRSRP:   decValue(field(f, 4)),
			SSRSRQ:   decValue(field(f, 6)),
		}, nil
	case "GSM":
		// "GSM",<MCC>,<MNC>,<LAC>,<cellID>,<BSIC>,<ARFCN>,<band>,<rxlev>,...
		if len(f) < 9 {
			return nil, fmt.Errorf("short GSM serving cell record: %d fields", len(f))
		}
		return domain.GSMCell{
			CellBase: base(1, 2),
			LAC:      hexValue(field(f, 3)),
			CID:      hexValue(field(f, 4)),
			DBM:      decValue(field(f, 8)),
		}, nil
	case "WCDMA":
		// "WCDMA",<MCC>,<MNC>,<LAC>,<cellID>,<uarfcn>,<PSC>,<RAC>,<RSCP>,...
		if len(f) < 9 {
			return nil, fmt.Errorf("short WCDMA serving cell record: %d fields", len(f))
		}
		return domain.WCDMACell{
			CellBase: base(1, 2),
			LAC:      hexValue(field(f, 3)),
			CID:      hexValue(field(f, 4)),
			DBM:      decValue(field(f, 8)),
		}, nil
	default:
		return nil, nil
	}
}

// parseNeighbours reads AT+QENG="neighbourcell". Neighbour records carry no PLMN for LTE and
// WCDMA, so those codes stay unavailable.
func parseNeighbours(lines []string) []domain.Cell {
	var cells []domain.Cell
	for _, line := range lines {
		if !strings.HasPrefix(line, qengPrefix) {
			continue
		}
		f := fields(line, qengPrefix)
		if !strings.HasPrefix(field(f, 0), "neighbourcell") {
			continue
		}

		switch field(f, 1) {
		case "LTE":
			// "neighbourcell intra","LTE",<earfcn>,<PCID>,<RSRQ>,<RSRP>,<RSSI>,...
			if len(f) < 6 {
				continue
			}
			cells = append(cells, domain.LTECell{
				EARFCN: decValue(field(f, 2)),
				PCI:    decValue(field(f, 3)),
				RSRQ:   decValue(field(f, 4)),
				RSRP:   decValue(field(f, 5)),
				TAC:    domain.Unavailable,
				CI:     domain.Unavailable,
			})
		case "WCDMA":
			// "neighbourcell","WCDMA",<uarfcn>,<priority>,<thresh_high>,<thresh_low>,<PSC>,<RSCP>,...
			if len(f) < 8 {
				continue
			}
			cells = append(cells, domain.WCDMACell{
				LAC: domain.Unavailable,
				CID: decValue(field(f, 6)),
				DBM: decValue(field(f, 7)),
			})
		case "GSM":
			// "neighbourcell","GSM",<MCC>,<MNC>,<LAC>,<cellID>,<BSIC>,<ARFCN>,<rxlev>,...
			if len(f) < 9 {
				continue
			}
			cells = append(cells, domain.GSMCell{
				CellBase: domain.CellBase{MCC: code(field(f, 2)), MNC: mnc(field(f, 3))},
				LAC:      hexValue(field(f, 4)),
				CID:      hexValue(field(f, 5)),
				DBM:      decValue(field(f, 8)),
			})
		}
	}

	return cells
}
