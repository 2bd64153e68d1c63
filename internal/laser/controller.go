package laser

import (
	"context"
	"fmt"
	"sync"

	"github.com/opticlab/discovery-core/internal/infrastructure/config"
	"github.com/opticlab/discovery-core/internal/infrastructure/logging"
)

// Controller owns one Discovery instrument. It serialises every
// exchange on the serial line behind a single mutex, validates setter
// arguments against the injected Limits before anything reaches the
// wire, and maintains the parameter cache that Status() reads from.
//
// All setters and Refresh accept a context; the exchange they perform is
// bounded by the context deadline and the configured command timeout.
// Status(), Wavelength() and SerialNumber() never touch the instrument.
type Controller struct {
	sess   *session
	store  *store
	limits Limits
	logger *logging.Logger

	// mu serialises instrument access. Held for the full duration of
	// each exchange so command/reply pairs never interleave.
	mu        chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// Open connects to a Discovery and returns a ready Controller.
//
// Port selection:
//   - cfg.Simulated: an in-process simulator, no hardware required
//   - cfg.Port set: that serial port, exactly
//   - cfg.Serial set: the connected Discovery with that USB serial number
//   - otherwise: the first connected Discovery found by USB product ID
//
// Open performs the framing handshake, reads the instrument serial
// number, and does one full Refresh so Status() is populated before
// Open returns.
//
// Parameters:
//   - ctx: Bounds the handshake and initial refresh
//   - cfg: Laser configuration (port, limits, timeouts)
//   - logger: Structured logger; component field is added internally
//
// Returns:
//   - *Controller: Connected controller
//   - error: ErrNoDevice if no instrument matches, transport errors otherwise
func Open(ctx context.Context, cfg config.LaserConfig, logger *logging.Logger) (*Controller, error) {
	log := logger.With("component", "laser")

	var tr Transport
	switch {
	case cfg.Simulated:
		log.Info("using simulated instrument")
		tr = NewSimulator(cfg)
	default:
		name := cfg.Port
		if name == "" {
			found, err := findPort(cfg.Serial)
			if err != nil {
				return nil, err
			}
			name = found
		}
		st, err := openSerial(name, cfg.CommandTimeout.Std())
		if err != nil {
			return nil, err
		}
		log.Info("serial port opened", "port", name)
		tr = st
	}

	return OpenTransport(ctx, tr, cfg, logger)
}

// OpenTransport builds a Controller over an already-open Transport. It
// performs the same handshake and initial refresh as Open. Useful when
// the transport is constructed elsewhere, such as a pre-configured
// Simulator.
func OpenTransport(ctx context.Context, tr Transport, cfg config.LaserConfig, logger *logging.Logger) (*Controller, error) {
	log := logger.With("component", "laser")

	sess, err := newSession(ctx, tr)
	if err != nil {
		tr.Close()
		return nil, err
	}

	serialNum, err := sess.query(ctx, qSerial)
	if err != nil {
		sess.close()
		return nil, fmt.Errorf("read serial number: %w", err)
	}

	c := &Controller{
		sess:   sess,
		store:  &store{},
		limits: limitsFromConfig(cfg),
		logger: log,
		mu:     make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	c.store.Update(func(st *Status) {
		st.SerialNumber = serialNum
		st.Echo = sess.echo
	})

	if err := c.Refresh(ctx); err != nil {
		sess.close()
		return nil, fmt.Errorf("initial refresh: %w", err)
	}

	log.Info("instrument connected",
		"serial_number", serialNum,
		"echo", sess.echo,
		"prompt", sess.prompt)
	return c, nil
}

func limitsFromConfig(cfg config.LaserConfig) Limits {
	l := Limits{
		WavelengthMin: cfg.WavelengthMin,
		WavelengthMax: cfg.WavelengthMax,
	}
	for _, c := range cfg.GDDCurves {
		l.Curves = append(l.Curves, GDDCurve{
			Index: c.Index,
			Name:  c.Name,
			MinFS: c.MinFS,
			MaxFS: c.MaxFS,
		})
	}
	return l
}

// lock acquires the instrument mutex, abandoning the wait if the
// context expires or the controller closes first.
func (c *Controller) lock(ctx context.Context) error {
	select {
	case c.mu <- struct{}{}:
		select {
		case <-c.closed:
			<-c.mu
			return ErrClosed
		default:
			return nil
		}
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) unlock() {
	<-c.mu
}

// Status returns the latest cached snapshot. It never blocks on the
// instrument.
func (c *Controller) Status() Status {
	return c.store.Snapshot()
}

// Wavelength returns the last known variable-beam wavelength in
// nanometres. Like Status, it reads the cache and never blocks on the
// instrument.
func (c *Controller) Wavelength() float64 {
	return c.store.Snapshot().WavelengthNM
}

// SerialNumber returns the instrument serial number read at Open.
func (c *Controller) SerialNumber() string {
	return c.store.Snapshot().SerialNumber
}

// Limits returns the configured legal ranges.
func (c *Controller) Limits() Limits {
	return c.limits
}

// SetWavelength commands the variable beam to a new wavelength in
// nanometres and marks the controller as tuning. The flag stays set
// until a Refresh observes the instrument reporting tuning complete.
//
// Returns ErrOutOfRange if nm is outside the configured bounds, and
// ErrBusy if a previous tune is still in progress.
func (c *Controller) SetWavelength(ctx context.Context, nm float64) error {
	if nm < c.limits.WavelengthMin || nm > c.limits.WavelengthMax {
		return fmt.Errorf("%w: wavelength %gnm outside [%g, %g]",
			ErrOutOfRange, nm, c.limits.WavelengthMin, c.limits.WavelengthMax)
	}
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	if c.store.Tuning() {
		return ErrBusy
	}
	if err := c.sess.command(ctx, cmdWavelength(nm)); err != nil {
		return err
	}
	c.store.Update(func(st *Status) {
		st.WavelengthNM = nm
		st.Tuning = true
	})
	c.logger.Info("wavelength set", "wavelength_nm", nm)
	return nil
}

// SetGDD commands a new group delay dispersion value in fs².
//
// The legal range depends on the currently selected calibration curve.
// Returns ErrOutOfRange if fs2 is outside that curve's range, and
// ErrBusy while a wavelength tune is in progress.
func (c *Controller) SetGDD(ctx context.Context, fs2 float64) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	if c.store.Tuning() {
		return ErrBusy
	}
	cur := c.store.Snapshot()
	curve, ok := c.limits.CurveByIndex(cur.GDDCurve)
	if !ok {
		return fmt.Errorf("%w: no range known for curve %d", ErrOutOfRange, cur.GDDCurve)
	}
	if fs2 < curve.MinFS || fs2 > curve.MaxFS {
		return fmt.Errorf("%w: gdd %gfs2 outside [%g, %g] for curve %q",
			ErrOutOfRange, fs2, curve.MinFS, curve.MaxFS, curve.Name)
	}
	if err := c.sess.command(ctx, cmdGDD(fs2)); err != nil {
		return err
	}
	c.store.Update(func(st *Status) { st.GDDFS = fs2 })
	c.logger.Info("gdd set", "gdd_fs2", fs2, "curve", curve.Name)
	return nil
}

// SetGDDCurve selects a dispersion calibration curve by index.
func (c *Controller) SetGDDCurve(ctx context.Context, index int) error {
	curve, ok := c.limits.CurveByIndex(index)
	if !ok {
		return fmt.Errorf("%w: unknown gdd curve %d", ErrOutOfRange, index)
	}
	return c.selectCurve(ctx, curve)
}

// SetGDDCurveByName selects a dispersion calibration curve by name.
func (c *Controller) SetGDDCurveByName(ctx context.Context, name string) error {
	curve, ok := c.limits.CurveByName(name)
	if !ok {
		return fmt.Errorf("%w: unknown gdd curve %q", ErrOutOfRange, name)
	}
	return c.selectCurve(ctx, curve)
}

func (c *Controller) selectCurve(ctx context.Context, curve GDDCurve) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	if c.store.Tuning() {
		return ErrBusy
	}
	if err := c.sess.command(ctx, cmdGDDCurve(curve.Index)); err != nil {
		return err
	}
	c.store.Update(func(st *Status) {
		st.GDDCurve = curve.Index
		st.GDDCurveName = curve.Name
	})
	c.logger.Info("gdd curve selected", "curve", curve.Name, "index", curve.Index)
	return nil
}

// SetShutter opens or closes one of the two beam shutters. The shutter
// mechanism takes around 300ms to travel; callers that need to confirm
// the new position should wait for a later snapshot.
func (c *Controller) SetShutter(ctx context.Context, path Path, state ShutterState) error {
	if !path.Valid() {
		return fmt.Errorf("%w: unrecognised path %q", ErrOutOfRange, path)
	}
	if !state.Valid() {
		return fmt.Errorf("%w: unrecognised shutter state %q", ErrOutOfRange, state)
	}
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	if err := c.sess.command(ctx, cmdShutter(path, state)); err != nil {
		return err
	}
	c.store.Update(func(st *Status) {
		if path == PathFixed {
			st.ShutterFixed = state
		} else {
			st.ShutterVariable = state
		}
	})
	c.logger.Info("shutter set", "path", path, "state", state)
	return nil
}

// SetAlignment switches alignment mode (low-power beam for optical
// alignment work) on or off for one beam path.
func (c *Controller) SetAlignment(ctx context.Context, path Path, on bool) error {
	if !path.Valid() {
		return fmt.Errorf("%w: unrecognised path %q", ErrOutOfRange, path)
	}
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	if err := c.sess.command(ctx, cmdAlignment(path, on)); err != nil {
		return err
	}
	c.store.Update(func(st *Status) {
		if path == PathFixed {
			st.AlignmentFixed = on
		} else {
			st.AlignmentVariable = on
		}
	})
	c.logger.Info("alignment mode set", "path", path, "on", on)
	return nil
}

// SetStandby moves the laser between standby and emitting.
func (c *Controller) SetStandby(ctx context.Context, standby bool) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	if err := c.sess.command(ctx, cmdStandby(standby)); err != nil {
		return err
	}
	c.store.Update(func(st *Status) { st.Standby = standby })
	c.logger.Info("standby set", "standby", standby)
	return nil
}

// ClearFaults asks the instrument to clear latched faults, then
// re-reads the fault state so the snapshot reflects the outcome.
func (c *Controller) ClearFaults(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	if err := c.sess.command(ctx, cmdFaultClear); err != nil {
		return err
	}
	faulted, faultText, err := c.readFaults(ctx)
	if err != nil {
		return err
	}
	c.store.Update(func(st *Status) {
		st.Faulted = faulted
		st.FaultText = faultText
	})
	c.logger.Info("faults cleared", "still_faulted", faulted)
	return nil
}

// Heartbeat feeds the instrument's session watchdog.
func (c *Controller) Heartbeat(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	return c.sess.command(ctx, cmdHeartbeat)
}

// Refresh re-reads every device-observable field and updates the cached
// snapshot. The polling loop calls this on its interval; it is also
// safe to call directly.
//
// A refresh that observes tuning complete clears the tuning flag set by
// SetWavelength.
func (c *Controller) Refresh(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	standby, err := c.sess.queryFlag(ctx, qStandby)
	if err != nil {
		return err
	}
	// ?L reports 1 when emitting.
	standby = !standby

	shutterVar, err := c.sess.queryShutter(ctx, qShutterVariable)
	if err != nil {
		return err
	}
	shutterFixed, err := c.sess.queryShutter(ctx, qShutterFixed)
	if err != nil {
		return err
	}
	keyswitch, err := c.sess.queryFlag(ctx, qKeyswitch)
	if err != nil {
		return err
	}
	faulted, faultText, err := c.readFaults(ctx)
	if err != nil {
		return err
	}
	tuning, err := c.sess.queryFlag(ctx, qTuning)
	if err != nil {
		return err
	}
	alignVar, err := c.sess.queryFlag(ctx, qAlignVariable)
	if err != nil {
		return err
	}
	alignFixed, err := c.sess.queryFlag(ctx, qAlignFixed)
	if err != nil {
		return err
	}
	statusText, err := c.sess.query(ctx, qStatusText)
	if err != nil {
		return err
	}
	wavelength, err := c.sess.queryFloat(ctx, qWavelength)
	if err != nil {
		return err
	}
	powerVar, err := c.sess.queryFloat(ctx, qPowerVariable)
	if err != nil {
		return err
	}
	powerFixed, err := c.sess.queryFloat(ctx, qPowerFixed)
	if err != nil {
		return err
	}
	gdd, err := c.sess.queryFloat(ctx, qGDD)
	if err != nil {
		return err
	}
	curveIdx, err := c.sess.queryInt(ctx, qGDDCurve)
	if err != nil {
		return err
	}
	curveName, err := c.sess.query(ctx, qGDDCurveName)
	if err != nil {
		return err
	}

	c.store.Update(func(st *Status) {
		st.Standby = standby
		st.ShutterVariable = shutterVar
		st.ShutterFixed = shutterFixed
		st.Keyswitch = keyswitch
		st.Faulted = faulted
		st.FaultText = faultText
		st.Tuning = tuning
		st.AlignmentVariable = alignVar
		st.AlignmentFixed = alignFixed
		st.StatusText = statusText
		st.WavelengthNM = wavelength
		st.PowerVariableMW = powerVar
		st.PowerFixedMW = powerFixed
		st.GDDFS = gdd
		st.GDDCurve = curveIdx
		st.GDDCurveName = curveName
	})
	return nil
}

// readFaults queries the fault count and, when non-zero, the fault
// description. Caller holds the instrument mutex.
func (c *Controller) readFaults(ctx context.Context) (bool, string, error) {
	count, err := c.sess.queryInt(ctx, qFaults)
	if err != nil {
		return false, "", err
	}
	if count == 0 {
		return false, "", nil
	}
	text, err := c.sess.query(ctx, qFaultText)
	if err != nil {
		return false, "", err
	}
	return true, text, nil
}

// Close releases the serial port. Operations in flight complete;
// operations started after Close return ErrClosed.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		// Wait out any exchange in flight before dropping the port.
		c.mu <- struct{}{}
		err = c.sess.close()
		<-c.mu
		c.logger.Info("instrument disconnected")
	})
	return err
}
