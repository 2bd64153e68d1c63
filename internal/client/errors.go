package client

import "errors"

// Errors surfaced by client calls. Remote failures are mapped from the
// server's wire codes onto these sentinels, so callers can branch with
// errors.Is without inspecting code strings.
var (
	// ErrTransport wraps connection-level failures: dial errors, write
	// failures, a dropped connection mid-request.
	ErrTransport = errors.New("client: transport failure")

	// ErrNotPrimary means the call needed the primary role and this
	// client does not hold it.
	ErrNotPrimary = errors.New("client: not the primary client")

	// ErrAlreadyPrimary means another client holds the primary role.
	ErrAlreadyPrimary = errors.New("client: primary role held by another client")

	// ErrOutOfRange means the server rejected a value before it reached
	// the instrument.
	ErrOutOfRange = errors.New("client: value out of range")

	// ErrBusy means the instrument is tuning and cannot accept the
	// operation yet.
	ErrBusy = errors.New("client: instrument busy")

	// ErrDevice means the instrument itself refused or failed the
	// operation.
	ErrDevice = errors.New("client: instrument error")

	// ErrNotFound means the server did not recognise the requested
	// resource or operation.
	ErrNotFound = errors.New("client: not found")

	// ErrRejected covers remote errors with no more specific mapping.
	ErrRejected = errors.New("client: request rejected")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("client: connection closed")
)
