package laser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
)

// discoveryUSBPID is the USB product ID the Discovery NX enumerates
// with (decimal 516).
const discoveryUSBPID = "0204"

// findPort locates the serial port of a connected Discovery by its USB
// product ID. With an empty wantSerial the first matching port wins;
// otherwise the port whose USB serial number matches is required.
func findPort(wantSerial string) (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("laser: enumerate ports: %w", err)
	}
	var candidates []string
	for _, p := range ports {
		if !p.IsUSB || !strings.EqualFold(p.PID, discoveryUSBPID) {
			continue
		}
		if wantSerial != "" && !strings.EqualFold(p.SerialNumber, wantSerial) {
			continue
		}
		candidates = append(candidates, p.Name)
	}
	if len(candidates) == 0 {
		if wantSerial != "" {
			return "", fmt.Errorf("%w: no port with USB serial %q", ErrNoDevice, wantSerial)
		}
		return "", ErrNoDevice
	}
	return candidates[0], nil
}

// FindFirst returns the port name of the first connected Discovery.
// Returns ErrNoDevice when no port matches.
func FindFirst() (string, error) {
	return findPort("")
}

// FindBySerial returns the port name of the connected Discovery whose
// USB serial number matches serial. Returns ErrNoDevice when no port
// matches.
func FindBySerial(serial string) (string, error) {
	return findPort(serial)
}

// FindByPort confirms that a Discovery answers on the named port and
// returns the instrument serial number read over it. The port is opened
// for the probe and closed again before returning; timeout bounds each
// exchange.
func FindByPort(ctx context.Context, name string, timeout time.Duration) (string, error) {
	tr, err := openSerial(name, timeout)
	if err != nil {
		return "", err
	}
	return identify(ctx, tr)
}

// identify runs the framing handshake and serial number query over an
// open transport, closing it afterwards.
func identify(ctx context.Context, tr Transport) (string, error) {
	defer tr.Close()
	sess, err := newSession(ctx, tr)
	if err != nil {
		return "", err
	}
	return sess.query(ctx, qSerial)
}
