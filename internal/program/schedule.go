package program

// PumpsPerModule is fixed by the hardware: every module drives 4 channels.
const PumpsPerModule = 4

// MaxLinesPerPump is the firmware's schedule table size per channel.
const MaxLinesPerPump = 12

// Schedule is one user-facing dose entry. The volume is kept as an integer
// count of tenths of a milliliter so UI edits never accumulate float rounding.
type Schedule struct {
	Pump          int  `json:"pump"`
	Hour          int  `json:"hour"`
	Minute        int  `json:"minute"`
	VolumeTenthMl int  `json:"volumeTenthMl"`
	Enabled       bool `json:"enabled"`
}

// VolumeMl returns the dose volume in milliliters.
func (s Schedule) VolumeMl() float64 {
	return float64(s.VolumeTenthMl) / 10
}
