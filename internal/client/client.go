package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opticlab/discovery-core/internal/control"
	"github.com/opticlab/discovery-core/internal/infrastructure/logging"
	"github.com/opticlab/discovery-core/internal/laser"
)

// defaultRequestTimeout bounds each request when the caller's context
// carries no deadline of its own.
const defaultRequestTimeout = 5 * time.Second

// statusBufferSize is the capacity of the StatusUpdates channel. When a
// consumer falls behind, older snapshots are dropped in favour of newer
// ones.
const statusBufferSize = 16

// Options configures a Client. The zero value is usable.
type Options struct {
	// RequestTimeout bounds each request/response round trip.
	// Defaults to 5 seconds.
	RequestTimeout time.Duration
}

// Client is a connection to a control server.
type Client struct {
	conn    *websocket.Conn
	logger  *logging.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan control.Message

	status  chan laser.Status
	primary chan control.PrimaryChangedEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// Connect dials a control server and starts the read loop.
//
// Parameters:
//   - ctx: Bounds the dial
//   - url: WebSocket endpoint, e.g. "ws://host:907/ws"
//   - opts: Client options; zero value for defaults
//   - logger: Structured logger
//
// Returns:
//   - *Client: Connected client
//   - error: ErrTransport-wrapped dial failures
func Connect(ctx context.Context, url string, opts Options, logger *logging.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, url, err)
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	c := &Client{
		conn:    conn,
		logger:  logger.With("component", "client"),
		timeout: timeout,
		pending: make(map[string]chan control.Message),
		status:  make(chan laser.Status, statusBufferSize),
		primary: make(chan control.PrimaryChangedEvent, statusBufferSize),
		closed:  make(chan struct{}),
	}

	go c.readLoop()
	c.logger.Info("connected", "url", url)
	return c, nil
}

// readLoop routes responses to waiting requests and events to their
// channels until the connection dies.
func (c *Client) readLoop() {
	defer c.teardown()

	for {
		var msg control.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("connection lost", "error", err)
			}
			return
		}

		switch msg.Type {
		case control.MsgTypeResponse, control.MsgTypeError:
			c.deliver(msg)
		case control.MsgTypeEvent:
			c.dispatchEvent(msg)
		}
	}
}

func (c *Client) deliver(msg control.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) dispatchEvent(msg control.Message) {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return
	}
	switch msg.EventType {
	case control.EventStatus:
		var st laser.Status
		if err := json.Unmarshal(data, &st); err != nil {
			c.logger.Warn("bad status event", "error", err)
			return
		}
		// Drop the oldest update rather than block the read loop.
		select {
		case c.status <- st:
		default:
			select {
			case <-c.status:
			default:
			}
			select {
			case c.status <- st:
			default:
			}
		}
	case control.EventPrimaryChanged:
		var ev control.PrimaryChangedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		select {
		case c.primary <- ev:
		default:
		}
	}
}

// teardown fails every in-flight request after the read loop exits.
func (c *Client) teardown() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan control.Message)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- control.Message{
			Type:  control.MsgTypeError,
			ID:    id,
			Error: &control.Error{Code: "connection_lost", Message: "connection lost"},
		}
	}
	close(c.status)
	close(c.primary)
}

// request performs one correlated round trip.
func (c *Client) request(ctx context.Context, op string, payload any) (control.Message, error) {
	select {
	case <-c.closed:
		return control.Message{}, ErrClosed
	default:
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return control.Message{}, fmt.Errorf("encode %s payload: %w", op, err)
		}
		raw = data
	}

	id := uuid.NewString()
	ch := make(chan control.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.writeMu.Lock()
	//nolint:errcheck // Best-effort deadline; write error caught below
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	err := c.conn.WriteJSON(control.Request{Type: op, ID: id, Payload: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return control.Message{}, fmt.Errorf("%w: write %s: %v", ErrTransport, op, err)
	}

	select {
	case msg := <-ch:
		if msg.Type == control.MsgTypeError {
			return control.Message{}, remoteError(op, msg.Error)
		}
		return msg, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return control.Message{}, fmt.Errorf("%w: %s: %v", ErrTransport, op, ctx.Err())
	case <-c.closed:
		return control.Message{}, ErrClosed
	}
}

// remoteError maps a wire error onto the client's sentinel errors.
func remoteError(op string, e *control.Error) error {
	if e == nil {
		return fmt.Errorf("%w: %s", ErrRejected, op)
	}
	var base error
	switch e.Code {
	case control.ErrCodeNotPrimary:
		base = ErrNotPrimary
	case control.ErrCodeAlreadyPrimary:
		base = ErrAlreadyPrimary
	case control.ErrCodeOutOfRange:
		base = ErrOutOfRange
	case control.ErrCodeBusy:
		base = ErrBusy
	case control.ErrCodeDeviceError:
		base = ErrDevice
	case control.ErrCodeNotFound:
		base = ErrNotFound
	case "connection_lost":
		base = ErrTransport
	default:
		base = ErrRejected
	}
	return fmt.Errorf("%w: %s: %s", base, op, e.Message)
}

// DemandPrimary acquires the primary role for this client. Returns
// ErrAlreadyPrimary if another client holds it.
func (c *Client) DemandPrimary(ctx context.Context) error {
	_, err := c.request(ctx, control.OpDemandPrimary, nil)
	return err
}

// ReleasePrimary gives up the primary role. Returns ErrNotPrimary if
// this client does not hold it.
func (c *Client) ReleasePrimary(ctx context.Context) error {
	_, err := c.request(ctx, control.OpReleasePrimary, nil)
	return err
}

// ForceReleasePrimary frees the role regardless of who holds it. For
// recovering from a primary that crashed without disconnecting.
func (c *Client) ForceReleasePrimary(ctx context.Context) error {
	_, err := c.request(ctx, control.OpForceReleasePrimary, nil)
	return err
}

// QueryStatus fetches the server's latest instrument snapshot.
func (c *Client) QueryStatus(ctx context.Context) (laser.Status, error) {
	msg, err := c.request(ctx, control.OpQueryStatus, nil)
	if err != nil {
		return laser.Status{}, err
	}
	return decodeStatus(msg)
}

// QueryLimits fetches the instrument's configured legal ranges.
func (c *Client) QueryLimits(ctx context.Context) (control.LimitsResponse, error) {
	msg, err := c.request(ctx, control.OpQueryLimits, nil)
	if err != nil {
		return control.LimitsResponse{}, err
	}
	var limits control.LimitsResponse
	if err := reencode(msg.Payload, &limits); err != nil {
		return control.LimitsResponse{}, err
	}
	return limits, nil
}

// SubscribeStatus asks the server to stream snapshots to this client.
// Updates arrive on StatusUpdates.
func (c *Client) SubscribeStatus(ctx context.Context) error {
	_, err := c.request(ctx, control.OpSubscribeStatus, nil)
	return err
}

// UnsubscribeStatus stops the snapshot stream.
func (c *Client) UnsubscribeStatus(ctx context.Context) error {
	_, err := c.request(ctx, control.OpUnsubscribeStatus, nil)
	return err
}

// StatusUpdates returns the channel carrying streamed snapshots. The
// channel closes when the connection does.
func (c *Client) StatusUpdates() <-chan laser.Status {
	return c.status
}

// PrimaryChanges returns the channel carrying primary role change
// events. The channel closes when the connection does.
func (c *Client) PrimaryChanges() <-chan control.PrimaryChangedEvent {
	return c.primary
}

// SetWavelength commands a new wavelength in nanometres and returns the
// server's post-command snapshot.
func (c *Client) SetWavelength(ctx context.Context, nm float64) (laser.Status, error) {
	return c.mutate(ctx, control.OpSetWavelength, control.SetWavelengthRequest{WavelengthNM: nm})
}

// SetGDD commands a new group delay dispersion in fs².
func (c *Client) SetGDD(ctx context.Context, fs2 float64) (laser.Status, error) {
	return c.mutate(ctx, control.OpSetGDD, control.SetGDDRequest{GDDFS: fs2})
}

// SetGDDCurve selects a dispersion calibration curve by index.
func (c *Client) SetGDDCurve(ctx context.Context, index int) (laser.Status, error) {
	return c.mutate(ctx, control.OpSetGDDCurve, control.SetGDDCurveRequest{Index: &index})
}

// SetGDDCurveByName selects a dispersion calibration curve by name.
func (c *Client) SetGDDCurveByName(ctx context.Context, name string) (laser.Status, error) {
	return c.mutate(ctx, control.OpSetGDDCurve, control.SetGDDCurveRequest{Name: name})
}

// SetShutter opens or closes one beam shutter.
func (c *Client) SetShutter(ctx context.Context, path laser.Path, state laser.ShutterState) (laser.Status, error) {
	return c.mutate(ctx, control.OpSetShutter, control.SetShutterRequest{Path: path, State: state})
}

// SetAlignment switches alignment mode for one beam path.
func (c *Client) SetAlignment(ctx context.Context, path laser.Path, on bool) (laser.Status, error) {
	return c.mutate(ctx, control.OpSetAlignment, control.SetAlignmentRequest{Path: path, On: on})
}

// SetStandby moves the laser between standby and emitting.
func (c *Client) SetStandby(ctx context.Context, standby bool) (laser.Status, error) {
	return c.mutate(ctx, control.OpSetStandby, control.SetStandbyRequest{Standby: standby})
}

// ClearFaults clears latched instrument faults.
func (c *Client) ClearFaults(ctx context.Context) (laser.Status, error) {
	msg, err := c.request(ctx, control.OpClearFaults, nil)
	if err != nil {
		return laser.Status{}, err
	}
	return decodeStatus(msg)
}

func (c *Client) mutate(ctx context.Context, op string, payload any) (laser.Status, error) {
	msg, err := c.request(ctx, op, payload)
	if err != nil {
		return laser.Status{}, err
	}
	return decodeStatus(msg)
}

func decodeStatus(msg control.Message) (laser.Status, error) {
	var st laser.Status
	if err := reencode(msg.Payload, &st); err != nil {
		return laser.Status{}, err
	}
	return st, nil
}

// reencode converts a decoded-into-any payload back into a typed value.
func reencode(payload, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: re-encode payload: %v", ErrTransport, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrTransport, err)
	}
	return nil
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		//nolint:errcheck // Best-effort close handshake
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		c.logger.Info("disconnected")
	})
	return err
}
