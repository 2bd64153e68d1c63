package laser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Instrument serial framing: 19200 baud, 8 data bits, no parity, one
// stop bit, lines terminated with <CR><LF>.
var discoveryMode = &serial.Mode{
	BaudRate: 19200,
	DataBits: 8,
	Parity:   serial.NoParity,
	StopBits: serial.OneStopBit,
}

// readSlice is the per-Read timeout on the port. Exchange polls in
// slices this long so it can notice context cancellation between reads.
const readSlice = 50 * time.Millisecond

// serialTransport is the Transport over a physical serial port.
type serialTransport struct {
	port        serial.Port
	name        string
	maxExchange time.Duration

	// dirty is set when an exchange is abandoned with its reply still
	// owed. The next exchange purges the buffer again before writing, in
	// case the late reply arrived in between.
	dirty bool
}

// openSerial opens and configures the named port and drains any stale
// bytes left in the input buffer by a previous session.
func openSerial(name string, maxExchange time.Duration) (*serialTransport, error) {
	port, err := serial.Open(name, discoveryMode)
	if err != nil {
		return nil, fmt.Errorf("laser: open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(readSlice); err != nil {
		port.Close()
		return nil, fmt.Errorf("laser: configure %s: %w", name, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("laser: drain %s: %w", name, err)
	}
	return &serialTransport{port: port, name: name, maxExchange: maxExchange}, nil
}

// Exchange writes one line and reads one reply line. The read is bounded
// by the context deadline and, failing that, by the configured command
// timeout, so a wedged instrument cannot hang the caller.
func (t *serialTransport) Exchange(ctx context.Context, line string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.dirty {
		t.port.ResetInputBuffer()
		t.dirty = false
	}
	if _, err := t.port.Write([]byte(line + "\r\n")); err != nil {
		t.abandon()
		return "", fmt.Errorf("laser: write %s: %w", t.name, err)
	}

	deadline := time.Now().Add(t.maxExchange)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var reply strings.Builder
	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("laser: read %s: %w", t.name, err)
		}
		if n > 0 {
			reply.Write(buf[:n])
			if strings.Contains(reply.String(), "\n") {
				return reply.String(), nil
			}
		}
		if err := ctx.Err(); err != nil {
			t.abandon()
			return "", err
		}
		if time.Now().After(deadline) {
			t.abandon()
			return "", fmt.Errorf("laser: %s did not reply within %s", t.name, t.maxExchange)
		}
	}
}

// abandon gives up on the current exchange's reply. It purges the input
// buffer and marks the line dirty; the instrument's late reply can land
// before or after this purge, and either way it must not masquerade as
// the answer to the next exchange.
func (t *serialTransport) abandon() {
	t.port.ResetInputBuffer()
	t.dirty = true
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}
