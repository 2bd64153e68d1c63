// Package laser provides the device layer for one Coherent Discovery laser.
//
// The Discovery is a multi-output ultrafast laser with a tunable
// variable-wavelength beam and a fixed-wavelength beam. This package owns
// the serial connection to a single instrument and exposes validated,
// serialized access to its parameters.
//
// # Architecture
//
//	┌────────────────────────────────────────────────────────────┐
//	│                        laser package                        │
//	│                                                             │
//	│  ┌─────────────┐   ┌──────────────┐   ┌────────────────┐   │
//	│  │  Controller  │──▶│  Transport   │   │     codec      │   │
//	│  │              │   │ (interface)  │   │   (codec.go)   │   │
//	│  │ • validation │   │ • serial     │   │ • NAME=VALUE   │   │
//	│  │ • one mutex  │   │ • Simulator  │   │ • ?NAME        │   │
//	│  │ • snapshots  │   └──────────────┘   └────────────────┘   │
//	│  └─────────────┘                                            │
//	└────────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Controller: sole owner of the instrument connection; every operation
//     validates its input locally before touching the hardware and all
//     instrument traffic is serialized behind one mutex
//   - Transport: the opaque command/query capability to one instrument
//   - Status: an immutable snapshot of every device-observable field
//   - Limits: injected wavelength bounds and GDD calibration curve table
//   - Simulator: an in-memory instrument for development and tests
//
// # Asynchronous tuning
//
// SetWavelength and SetGDD return as soon as the instrument acknowledges
// the command; the physical change continues in the background and is
// observable through Status().Tuning. A further SetWavelength or SetGDD
// issued while Tuning is true is rejected with ErrBusy — callers poll
// for Tuning to clear rather than queueing blind writes.
//
// # Usage
//
//	ctrl, err := laser.Open(ctx, cfg.Laser, log)
//	if err != nil {
//	    return err
//	}
//	defer ctrl.Close()
//
//	if err := ctrl.SetWavelength(ctx, 920); err != nil {
//	    return err
//	}
//	for ctrl.Status().Tuning {
//	    time.Sleep(100 * time.Millisecond)
//	    _ = ctrl.Refresh(ctx)
//	}
package laser
