package domain

// Strength bands in dBm. LTE and NR grade RSRP; GSM and WCDMA grade the received power.
const (
	RSRPGood = -90
	RSRPFair = -105
	DBMGood  = -85
	DBMFair  = -100
)

type SignalQuality int

const (
	SignalUnknown SignalQuality = iota
	SignalBad
	SignalFair
	SignalGood
)

func (q SignalQuality) String() string {
	switch q {
	case SignalBad:
		return "bad"
	case SignalFair:
		return "fair"
	case SignalGood:
		return "good"
	default:
		return "unknown"
	}
}

// DetermineSignalQuality grades a cell by its strength using the band for its technology.
func DetermineSignalQuality(c Cell) SignalQuality {
	if c == nil {
		return SignalUnknown
	}
	v := c.Strength()
	if !v.Available() {
		return SignalUnknown
	}

	good, fair := Value(DBMGood), Value(DBMFair)
	switch c.Technology() {
	case TechnologyLTE, TechnologyNR:
		good, fair = RSRPGood, RSRPFair
	}

	switch {
	case v >= good:
		return SignalGood
	case v >= fair:
		return SignalFair
	default:
		return SignalBad
	}
}
