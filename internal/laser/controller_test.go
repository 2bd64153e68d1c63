package laser

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/opticlab/discovery-core/internal/infrastructure/config"
	"github.com/opticlab/discovery-core/internal/infrastructure/logging"
)

func testLaserConfig() config.LaserConfig {
	return config.LaserConfig{
		Simulated:      true,
		CommandTimeout: config.Duration(2 * time.Second),
		WavelengthMin:  680,
		WavelengthMax:  1300,
		GDDCurves: []config.GDDCurveConfig{
			{Index: 0, Name: "Default", MinFS: -30000, MaxFS: 5000},
			{Index: 1, Name: "HighDisp", MinFS: -45000, MaxFS: 0},
		},
	}
}

func quietLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{
		Level:  "error",
		Format: "text",
		Output: "stderr",
	}, "test")
}

// newTestController opens a Controller over a Simulator with instant
// tuning unless the test overrides it.
func newTestController(t *testing.T, cfg config.LaserConfig) (*Controller, *Simulator) {
	t.Helper()
	sim := NewSimulator(cfg)
	sim.SetTuneDuration(0)
	ctrl, err := OpenTransport(context.Background(), sim, cfg, quietLogger())
	if err != nil {
		t.Fatalf("OpenTransport() error = %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })
	return ctrl, sim
}

func TestOpen_Simulated(t *testing.T) {
	ctrl, err := Open(context.Background(), testLaserConfig(), quietLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ctrl.Close()

	if ctrl.SerialNumber() != "DEBUG" {
		t.Errorf("SerialNumber() = %q, want %q", ctrl.SerialNumber(), "DEBUG")
	}

	st := ctrl.Status()
	if st.WavelengthNM != 920 {
		t.Errorf("WavelengthNM = %g, want 920", st.WavelengthNM)
	}
	if st.ShutterVariable != ShutterClosed || st.ShutterFixed != ShutterClosed {
		t.Errorf("shutters = %s/%s, want closed/closed", st.ShutterVariable, st.ShutterFixed)
	}
	if st.Faulted {
		t.Error("fresh simulator should not be faulted")
	}
	if !st.Keyswitch {
		t.Error("keyswitch should read on")
	}
}

func TestSetWavelength(t *testing.T) {
	ctrl, _ := newTestController(t, testLaserConfig())
	ctx := context.Background()

	if err := ctrl.SetWavelength(ctx, 840); err != nil {
		t.Fatalf("SetWavelength(840) error = %v", err)
	}
	if got := ctrl.Status().WavelengthNM; got != 840 {
		t.Errorf("WavelengthNM = %g, want 840", got)
	}
	if got := ctrl.Wavelength(); got != 840 {
		t.Errorf("Wavelength() = %g, want 840", got)
	}
	if !ctrl.Status().Tuning {
		t.Error("tuning flag should be set immediately after a wavelength change")
	}

	// The simulator reports tuning complete straight away; a refresh
	// must clear the flag.
	if err := ctrl.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if ctrl.Status().Tuning {
		t.Error("tuning flag should clear once the instrument reports ready")
	}
}

func TestSetWavelength_OutOfRange(t *testing.T) {
	ctrl, _ := newTestController(t, testLaserConfig())
	ctx := context.Background()

	for _, nm := range []float64{679.9, 1300.1, 0, -5} {
		err := ctrl.SetWavelength(ctx, nm)
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("SetWavelength(%g) error = %v, want ErrOutOfRange", nm, err)
		}
	}
	if got := ctrl.Status().WavelengthNM; got != 920 {
		t.Errorf("rejected set must not change cached wavelength, got %g", got)
	}
}

func TestSetWavelength_BusyWhileTuning(t *testing.T) {
	cfg := testLaserConfig()
	ctrl, sim := newTestController(t, cfg)
	sim.SetTuneDuration(time.Minute)
	ctx := context.Background()

	if err := ctrl.SetWavelength(ctx, 800); err != nil {
		t.Fatalf("SetWavelength(800) error = %v", err)
	}

	if err := ctrl.SetWavelength(ctx, 900); !errors.Is(err, ErrBusy) {
		t.Errorf("SetWavelength during tune error = %v, want ErrBusy", err)
	}
	if err := ctrl.SetGDD(ctx, 100); !errors.Is(err, ErrBusy) {
		t.Errorf("SetGDD during tune error = %v, want ErrBusy", err)
	}
	if err := ctrl.SetGDDCurve(ctx, 1); !errors.Is(err, ErrBusy) {
		t.Errorf("SetGDDCurve during tune error = %v, want ErrBusy", err)
	}

	// Shutters stay available during a tune.
	if err := ctrl.SetShutter(ctx, PathVariable, ShutterOpen); err != nil {
		t.Errorf("SetShutter during tune error = %v", err)
	}
}

func TestSetGDD(t *testing.T) {
	ctrl, _ := newTestController(t, testLaserConfig())
	ctx := context.Background()

	if err := ctrl.SetGDD(ctx, -20000); err != nil {
		t.Fatalf("SetGDD(-20000) error = %v", err)
	}
	if got := ctrl.Status().GDDFS; got != -20000 {
		t.Errorf("GDDFS = %g, want -20000", got)
	}

	if err := ctrl.SetGDD(ctx, 5001); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetGDD(5001) error = %v, want ErrOutOfRange", err)
	}
}

func TestSetGDD_RangeFollowsCurve(t *testing.T) {
	ctrl, _ := newTestController(t, testLaserConfig())
	ctx := context.Background()

	// 4000 fs2 is legal on the default curve but not on HighDisp.
	if err := ctrl.SetGDD(ctx, 4000); err != nil {
		t.Fatalf("SetGDD(4000) on default curve error = %v", err)
	}

	if err := ctrl.SetGDDCurveByName(ctx, "HighDisp"); err != nil {
		t.Fatalf("SetGDDCurveByName() error = %v", err)
	}
	st := ctrl.Status()
	if st.GDDCurve != 1 || st.GDDCurveName != "HighDisp" {
		t.Errorf("curve = %d %q, want 1 HighDisp", st.GDDCurve, st.GDDCurveName)
	}

	if err := ctrl.SetGDD(ctx, 4000); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetGDD(4000) on HighDisp error = %v, want ErrOutOfRange", err)
	}
	if err := ctrl.SetGDD(ctx, -40000); err != nil {
		t.Errorf("SetGDD(-40000) on HighDisp error = %v", err)
	}
}

func TestSetGDDCurve_Unknown(t *testing.T) {
	ctrl, _ := newTestController(t, testLaserConfig())
	ctx := context.Background()

	if err := ctrl.SetGDDCurve(ctx, 9); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetGDDCurve(9) error = %v, want ErrOutOfRange", err)
	}
	if err := ctrl.SetGDDCurveByName(ctx, "nope"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetGDDCurveByName(nope) error = %v, want ErrOutOfRange", err)
	}
}

func TestSetShutterAndAlignment(t *testing.T) {
	ctrl, _ := newTestController(t, testLaserConfig())
	ctx := context.Background()

	if err := ctrl.SetShutter(ctx, PathVariable, ShutterOpen); err != nil {
		t.Fatalf("SetShutter() error = %v", err)
	}
	if err := ctrl.SetAlignment(ctx, PathFixed, true); err != nil {
		t.Fatalf("SetAlignment() error = %v", err)
	}
	if err := ctrl.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	st := ctrl.Status()
	if st.ShutterVariable != ShutterOpen {
		t.Errorf("ShutterVariable = %s, want open", st.ShutterVariable)
	}
	if st.ShutterFixed != ShutterClosed {
		t.Errorf("ShutterFixed = %s, want closed", st.ShutterFixed)
	}
	if !st.AlignmentFixed || st.AlignmentVariable {
		t.Errorf("alignment = %t/%t, want false/true", st.AlignmentVariable, st.AlignmentFixed)
	}

	if err := ctrl.SetShutter(ctx, "sideways", ShutterOpen); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("bad path error = %v, want ErrOutOfRange", err)
	}
	if err := ctrl.SetShutter(ctx, PathVariable, "ajar"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("bad state error = %v, want ErrOutOfRange", err)
	}
}

func TestStandby(t *testing.T) {
	ctrl, _ := newTestController(t, testLaserConfig())
	ctx := context.Background()

	if err := ctrl.SetStandby(ctx, true); err != nil {
		t.Fatalf("SetStandby(true) error = %v", err)
	}
	if err := ctrl.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !ctrl.Status().Standby {
		t.Error("Standby should read true after L=0")
	}

	if err := ctrl.SetStandby(ctx, false); err != nil {
		t.Fatalf("SetStandby(false) error = %v", err)
	}
	if err := ctrl.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if ctrl.Status().Standby {
		t.Error("Standby should read false after L=1")
	}
}

func TestFaults(t *testing.T) {
	ctrl, sim := newTestController(t, testLaserConfig())
	ctx := context.Background()

	sim.InjectFault("Baseplate temperature out of range")
	if err := ctrl.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	st := ctrl.Status()
	if !st.Faulted {
		t.Fatal("injected fault should surface in the snapshot")
	}
	if st.FaultText != "Baseplate temperature out of range" {
		t.Errorf("FaultText = %q", st.FaultText)
	}

	if err := ctrl.ClearFaults(ctx); err != nil {
		t.Fatalf("ClearFaults() error = %v", err)
	}
	st = ctrl.Status()
	if st.Faulted || st.FaultText != "" {
		t.Errorf("after clear: faulted=%t text=%q, want clean", st.Faulted, st.FaultText)
	}
}

func TestClose(t *testing.T) {
	ctrl, _ := newTestController(t, testLaserConfig())

	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ctrl.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if err := ctrl.SetWavelength(context.Background(), 800); !errors.Is(err, ErrClosed) {
		t.Errorf("SetWavelength after close error = %v, want ErrClosed", err)
	}
	if err := ctrl.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Refresh after close error = %v, want ErrClosed", err)
	}
}

// Concurrent callers must never interleave exchanges on the wire. The
// simulator records any overlap it observes.
func TestNoInterleavedExchanges(t *testing.T) {
	ctrl, sim := newTestController(t, testLaserConfig())
	sim.SetLatency(2 * time.Millisecond)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				switch (n + j) % 3 {
				case 0:
					ctrl.SetShutter(ctx, PathVariable, ShutterOpen)
				case 1:
					ctrl.Refresh(ctx)
				default:
					ctrl.SetGDD(ctx, float64(100*n))
				}
			}
		}(i)
	}
	wg.Wait()

	if sim.OverlapDetected() {
		t.Error("exchanges overlapped on the wire; controller must serialise access")
	}
}

// failingTransport passes exchanges through to the simulator until the
// test flips fail, after which every exchange errors like a dropped
// serial link.
type failingTransport struct {
	inner Transport
	fail  bool
}

func (f *failingTransport) Exchange(ctx context.Context, line string) (string, error) {
	if f.fail {
		return "", io.ErrUnexpectedEOF
	}
	return f.inner.Exchange(ctx, line)
}

func (f *failingTransport) Close() error { return f.inner.Close() }

func TestExchangeFailureWrapsErrDevice(t *testing.T) {
	cfg := testLaserConfig()
	ft := &failingTransport{inner: NewSimulator(cfg)}
	ctrl, err := OpenTransport(context.Background(), ft, cfg, quietLogger())
	if err != nil {
		t.Fatalf("OpenTransport() error = %v", err)
	}
	defer ctrl.Close()
	ctx := context.Background()

	ft.fail = true

	err = ctrl.SetShutter(ctx, PathVariable, ShutterOpen)
	if err == nil {
		t.Fatal("SetShutter over a dead link should fail")
	}
	if !errors.Is(err, ErrDevice) {
		t.Errorf("SetShutter error %v should wrap ErrDevice", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("SetShutter error %v should keep the underlying cause", err)
	}

	if err := ctrl.Refresh(ctx); !errors.Is(err, ErrDevice) {
		t.Errorf("Refresh error %v should wrap ErrDevice", err)
	}
}

func TestExchangeCancellationIsNotDeviceError(t *testing.T) {
	ctrl, _ := newTestController(t, testLaserConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ctrl.Refresh(ctx)
	if err == nil {
		t.Fatal("Refresh with a cancelled context should fail")
	}
	if errors.Is(err, ErrDevice) {
		t.Errorf("cancellation error %v should not read as an instrument fault", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error %v should wrap context.Canceled", err)
	}
}

func TestStatusSnapshotIsDetached(t *testing.T) {
	ctrl, _ := newTestController(t, testLaserConfig())
	ctx := context.Background()

	before := ctrl.Status()
	if err := ctrl.SetWavelength(ctx, 1000); err != nil {
		t.Fatalf("SetWavelength() error = %v", err)
	}
	if before.WavelengthNM != 920 {
		t.Errorf("earlier snapshot mutated: WavelengthNM = %g", before.WavelengthNM)
	}
}
