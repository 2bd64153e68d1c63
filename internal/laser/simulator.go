package laser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opticlab/discovery-core/internal/infrastructure/config"
)

// Simulator spoofs a Discovery NX at the wire level, so the controller
// runs the same codec and session paths against it as against real
// hardware. It echoes commands back (echo mode on, prompt mode off),
// rejects out-of-range values with the instrument's NACK text, and
// reports tuning in progress for a configurable duration after each
// wavelength change.
type Simulator struct {
	mu sync.Mutex

	serialNumber string
	limits       Limits

	standby      bool
	shutterVar   bool
	shutterFixed bool
	alignVar     bool
	alignFixed   bool
	wavelength   float64
	powerVar     float64
	powerFixed   float64
	gdd          float64
	gddCurve     int
	statusText   string
	faultCount   int
	faultText    string

	tuneUntil    time.Time
	tuneDuration time.Duration

	latency time.Duration

	inFlight   atomic.Int32
	overlapped atomic.Bool
	closed     atomic.Bool
}

// NewSimulator builds a simulator whose accepted ranges come from the
// same configuration the controller validates against.
func NewSimulator(cfg config.LaserConfig) *Simulator {
	return &Simulator{
		serialNumber: "DEBUG",
		limits:       limitsFromConfig(cfg),
		wavelength:   920.0,
		powerVar:     1000.0,
		powerFixed:   5000.0,
		statusText:   "OK",
		tuneDuration: 500 * time.Millisecond,
	}
}

// SetTuneDuration overrides how long the simulator reports tuning in
// progress after a wavelength change.
func (s *Simulator) SetTuneDuration(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuneDuration = d
}

// SetLatency makes every exchange take at least d, widening the window
// in which concurrent callers would collide on the wire.
func (s *Simulator) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// InjectFault latches a fault until the next fault-clear command.
func (s *Simulator) InjectFault(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultCount++
	s.faultText = text
}

// OverlapDetected reports whether two exchanges were ever in flight at
// the same time. A correctly serialised controller never trips this.
func (s *Simulator) OverlapDetected() bool {
	return s.overlapped.Load()
}

// Exchange handles one command or query line the way the instrument
// would, echo included.
func (s *Simulator) Exchange(ctx context.Context, line string) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.inFlight.Add(1) > 1 {
		s.overlapped.Store(true)
	}
	defer s.inFlight.Add(-1)

	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.HasPrefix(line, "?") {
		payload, ok := s.answer(line)
		if !ok {
			return nackText + "\r\n", nil
		}
		return line + " " + payload + "\r\n", nil
	}
	if ok := s.apply(line); !ok {
		return nackText + "\r\n", nil
	}
	return line + "\r\n", nil
}

// answer resolves a query against the simulated state.
func (s *Simulator) answer(q string) (string, bool) {
	now := time.Now()
	switch q {
	case qEcho:
		return "1", true
	case qStandby:
		return onOff(!s.standby), true
	case qShutterVariable:
		return onOff(s.shutterVar), true
	case qShutterFixed:
		return onOff(s.shutterFixed), true
	case qKeyswitch:
		return "1", true
	case qFaults:
		return fmt.Sprintf("%d", s.faultCount), true
	case qFaultText:
		return s.faultText, true
	case qTuning:
		return onOff(now.Before(s.tuneUntil)), true
	case qAlignVariable:
		return onOff(s.alignVar), true
	case qAlignFixed:
		return onOff(s.alignFixed), true
	case qStatusText:
		return s.statusText, true
	case qWavelength:
		return formatFloat(s.wavelength), true
	case qPowerVariable:
		return formatFloat(s.powerVar), true
	case qPowerFixed:
		return formatFloat(s.powerFixed), true
	case qGDD:
		return formatFloat(s.gdd), true
	case qGDDCurve:
		return fmt.Sprintf("%d", s.gddCurve), true
	case qGDDCurveName:
		if c, ok := s.limits.CurveByIndex(s.gddCurve); ok {
			return c.Name, true
		}
		return "Default", true
	case qSerial:
		return s.serialNumber, true
	}
	return "", false
}

// apply executes a settings command against the simulated state,
// returning false for the instrument's NACK cases.
func (s *Simulator) apply(cmd string) bool {
	name, value, hasValue := strings.Cut(cmd, "=")
	if !hasValue {
		switch cmd {
		case cmdFaultClear:
			s.faultCount = 0
			s.faultText = ""
			return true
		case cmdHeartbeat:
			return true
		}
		return false
	}
	switch name {
	case "E":
		return value == "0" || value == "1"
	case "L":
		switch value {
		case "0":
			s.standby = true
			s.statusText = "Standby"
		case "1":
			s.standby = false
			s.statusText = "OK"
		default:
			return false
		}
		return true
	case "WV":
		nm, err := parseFloat(value)
		if err != nil || nm < s.limits.WavelengthMin || nm > s.limits.WavelengthMax {
			return false
		}
		s.wavelength = nm
		s.tuneUntil = time.Now().Add(s.tuneDuration)
		return true
	case "GDD":
		fs2, err := parseFloat(value)
		if err != nil {
			return false
		}
		curve, ok := s.limits.CurveByIndex(s.gddCurve)
		if !ok || fs2 < curve.MinFS || fs2 > curve.MaxFS {
			return false
		}
		s.gdd = fs2
		return true
	case "GDDCURVE":
		idx, err := parseInt(value)
		if err != nil {
			return false
		}
		if _, ok := s.limits.CurveByIndex(idx); !ok {
			return false
		}
		s.gddCurve = idx
		return true
	case "S":
		return s.setFlag(&s.shutterVar, value)
	case "SFIXED":
		return s.setFlag(&s.shutterFixed, value)
	case "ALIGN":
		return s.setFlag(&s.alignVar, value)
	case "ALIGNFIXED":
		return s.setFlag(&s.alignFixed, value)
	}
	return false
}

func (s *Simulator) setFlag(target *bool, value string) bool {
	switch value {
	case "0":
		*target = false
	case "1":
		*target = true
	default:
		return false
	}
	return true
}

func (s *Simulator) Close() error {
	s.closed.Store(true)
	return nil
}
