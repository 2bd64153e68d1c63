package laser

import "fmt"

// ShutterState is the position of a beam shutter.
type ShutterState string

// Shutter positions.
const (
	ShutterOpen   ShutterState = "open"
	ShutterClosed ShutterState = "closed"
)

// Valid reports whether the shutter state is a recognised value.
func (s ShutterState) Valid() bool {
	return s == ShutterOpen || s == ShutterClosed
}

// Path identifies one of the Discovery's two output beams.
type Path string

// Output beam paths. The variable path is the tunable beam; the fixed
// path is the fixed-wavelength beam.
const (
	PathVariable Path = "variable"
	PathFixed    Path = "fixed"
)

// Valid reports whether the path is a recognised value.
func (p Path) Valid() bool {
	return p == PathVariable || p == PathFixed
}

// GDDCurve is one dispersion-compensation calibration curve. While a curve
// is selected, SetGDD only accepts values inside [MinFS, MaxFS].
type GDDCurve struct {
	Index int     `json:"index"`
	Name  string  `json:"name"`
	MinFS float64 `json:"min_fs2"`
	MaxFS float64 `json:"max_fs2"`
}

// Limits holds the injected legal ranges for one instrument.
//
// The wavelength bounds and the curve table are configuration, not
// constants: they vary per instrument and per factory calibration.
type Limits struct {
	WavelengthMin float64
	WavelengthMax float64
	Curves        []GDDCurve
}

// CurveByIndex returns the curve with the given index.
func (l Limits) CurveByIndex(index int) (GDDCurve, bool) {
	for _, c := range l.Curves {
		if c.Index == index {
			return c, true
		}
	}
	return GDDCurve{}, false
}

// CurveByName returns the curve with the given name.
func (l Limits) CurveByName(name string) (GDDCurve, bool) {
	for _, c := range l.Curves {
		if c.Name == name {
			return c, true
		}
	}
	return GDDCurve{}, false
}

// Status is an immutable snapshot of every device-observable field,
// copied atomically out of the controller's parameter store.
//
// Text fields are owned strings and are empty (length 0) when the
// instrument has nothing to report — a fault-free laser has Faulted=false
// and FaultText="".
type Status struct {
	SerialNumber string `json:"serial_number"`

	Echo    bool `json:"echo"`
	Standby bool `json:"standby"`

	ShutterVariable ShutterState `json:"shutter_variable"`
	ShutterFixed    ShutterState `json:"shutter_fixed"`

	Keyswitch bool `json:"keyswitch"`

	Faulted   bool   `json:"faulted"`
	FaultText string `json:"fault_text"`

	Tuning bool `json:"tuning"`

	AlignmentVariable bool `json:"alignment_variable"`
	AlignmentFixed    bool `json:"alignment_fixed"`

	StatusText string `json:"status_text"`

	WavelengthNM    float64 `json:"wavelength_nm"`
	PowerVariableMW float64 `json:"power_variable_mw"`
	PowerFixedMW    float64 `json:"power_fixed_mw"`

	GDDFS        float64 `json:"gdd_fs2"`
	GDDCurve     int     `json:"gdd_curve"`
	GDDCurveName string  `json:"gdd_curve_name"`
}

// String returns a compact human-readable summary for logging.
func (s Status) String() string {
	return fmt.Sprintf("wavelength=%gnm gdd=%gfs2 tuning=%t shutters=%s/%s faulted=%t",
		s.WavelengthNM, s.GDDFS, s.Tuning, s.ShutterVariable, s.ShutterFixed, s.Faulted)
}
