package laser

import (
	"errors"
	"fmt"
)

// Domain errors for the laser package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, laser.ErrOutOfRange) {
//	    // reject locally, nothing was sent to the instrument
//	}
var (
	// ErrOutOfRange is returned when a requested value falls outside the
	// instrument's legal range. Detected locally; the instrument is never
	// contacted.
	ErrOutOfRange = errors.New("laser: value out of range")

	// ErrBusy is returned when a wavelength or GDD change is requested
	// while a previous change is still tuning.
	ErrBusy = errors.New("laser: tuning in progress")

	// ErrDevice is returned when instrument communication fails or the
	// instrument rejects an operation.
	ErrDevice = errors.New("laser: instrument error")

	// ErrCommandRejected is returned when the instrument answers a command
	// with COMMAND NOT EXECUTED. It wraps ErrDevice so callers can treat
	// rejection and communication failure uniformly.
	ErrCommandRejected = fmt.Errorf("%w: command not executed", ErrDevice)

	// ErrNoDevice is returned by discovery when no recognised instrument
	// is present.
	ErrNoDevice = errors.New("laser: no recognised device")

	// ErrClosed is returned when an operation is attempted on a closed
	// controller.
	ErrClosed = errors.New("laser: controller closed")
)
