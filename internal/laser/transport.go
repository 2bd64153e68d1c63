package laser

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Transport is a line-oriented exchange with one instrument. Exchange
// writes a single command or query line (the transport appends the
// <CR><LF> terminator) and returns the single raw reply line, still
// carrying any echo or prompt the instrument is configured to send.
//
// Implementations do not need to be safe for concurrent use; the
// controller serialises all access.
type Transport interface {
	Exchange(ctx context.Context, line string) (string, error)
	Close() error
}

// session wraps a Transport with the echo and prompt modes detected
// during the opening handshake, so callers deal only in payloads.
type session struct {
	tr     Transport
	echo   bool
	prompt bool
}

// asDeviceErr classifies an exchange failure as an instrument error.
// Context expiry is the caller's deadline rather than the instrument
// misbehaving, so it passes through unchanged.
func asDeviceErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDevice, err)
}

// newSession probes the instrument's reply framing. The first exchange
// is an echo query: the raw reply tells us whether the instrument echoes
// commands back and whether it prefixes replies with a prompt, both of
// which change how every later reply must be parsed.
func newSession(ctx context.Context, tr Transport) (*session, error) {
	raw, err := tr.Exchange(ctx, qEcho)
	if err != nil {
		return nil, fmt.Errorf("echo query: %w", asDeviceErr(err))
	}
	s := &session{
		tr:     tr,
		echo:   strings.Contains(raw, "E 1"),
		prompt: strings.Contains(raw, promptText),
	}
	// Re-parse the probe reply with the detected framing as a sanity
	// check that this really is a Discovery on the other end.
	if _, err := parseReply(raw, qEcho, s.echo, s.prompt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return s, nil
}

// command sends a settings command and confirms the instrument accepted
// it. A "COMMAND NOT EXECUTED" reply surfaces as ErrCommandRejected.
func (s *session) command(ctx context.Context, cmd string) error {
	raw, err := s.tr.Exchange(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, asDeviceErr(err))
	}
	if err := parseCommandReply(raw, cmd, s.echo, s.prompt); err != nil {
		return err
	}
	return nil
}

// query sends a query and returns the reply payload.
func (s *session) query(ctx context.Context, q string) (string, error) {
	raw, err := s.tr.Exchange(ctx, q)
	if err != nil {
		return "", fmt.Errorf("%s: %w", q, asDeviceErr(err))
	}
	return parseReply(raw, q, s.echo, s.prompt)
}

func (s *session) queryFlag(ctx context.Context, q string) (bool, error) {
	payload, err := s.query(ctx, q)
	if err != nil {
		return false, err
	}
	return parseFlag(payload)
}

func (s *session) queryFloat(ctx context.Context, q string) (float64, error) {
	payload, err := s.query(ctx, q)
	if err != nil {
		return 0, err
	}
	return parseFloat(payload)
}

func (s *session) queryInt(ctx context.Context, q string) (int, error) {
	payload, err := s.query(ctx, q)
	if err != nil {
		return 0, err
	}
	return parseInt(payload)
}

func (s *session) queryShutter(ctx context.Context, q string) (ShutterState, error) {
	payload, err := s.query(ctx, q)
	if err != nil {
		return "", err
	}
	return parseShutter(payload)
}

func (s *session) close() error {
	return s.tr.Close()
}
