package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opticlab/discovery-core/internal/infrastructure/config"
	"github.com/opticlab/discovery-core/internal/infrastructure/logging"
	"github.com/opticlab/discovery-core/internal/laser"
)

// wsSendBufferSize is the per-client outbound message buffer size.
const wsSendBufferSize = 256

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Lab-network service; no browser origin policy to enforce.
		return true
	},
}

// Hub manages WebSocket connections and broadcasts events.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient represents one connected WebSocket client. Its ID identifies
// it to the Arbiter for the lifetime of the connection.
type WSClient struct {
	server        *Server
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	id            string
	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects all
// clients.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "client_id", client.id, "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "client_id", client.id, "clients", h.ClientCount())
}

// Broadcast sends an event to clients subscribed to the given event
// type.
func (h *Hub) Broadcast(eventType string, payload any) {
	h.broadcast(eventType, payload, false)
}

// BroadcastAll sends an event to every connected client regardless of
// subscriptions. Used for primary role changes, which every client
// needs to observe.
func (h *Hub) BroadcastAll(eventType string, payload any) {
	h.broadcast(eventType, payload, true)
}

func (h *Hub) broadcast(eventType string, payload any, all bool) {
	msg := Message{
		Type:      MsgTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	// Snapshot client list under hub lock, then release before sending.
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if all || client.isSubscribed(eventType) {
			client.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the HTTP connection and starts the client's
// read and write pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		server:        s,
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		id:            uuid.NewString(),
		subscriptions: make(map[string]struct{}),
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages from the WebSocket connection. On exit it
// releases the client's primary role if held, so a dropped connection
// can never wedge the instrument.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		if c.server.arbiter.ReleaseIf(c.id) {
			c.hub.BroadcastAll(EventPrimaryChanged, PrimaryChangedEvent{Holder: ""})
		}
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "client_id", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "client_id", c.id, "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one incoming request.
func (c *WSClient) handleMessage(data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", ErrCodeBadRequest, "invalid JSON message")
		return
	}

	switch req.Type {
	case OpPing:
		c.sendResponse(req.ID, nil)
	case OpQueryStatus:
		c.sendResponse(req.ID, c.server.laser.Status())
	case OpQueryLimits:
		c.sendResponse(req.ID, limitsResponse(c.server.laser.Limits()))
	case OpSubscribeStatus:
		c.setSubscribed(EventStatus, true)
		c.sendResponse(req.ID, nil)
		// Seed the stream so subscribers need not wait a poll interval.
		c.sendEvent(EventStatus, c.server.laser.Status())
	case OpUnsubscribeStatus:
		c.setSubscribed(EventStatus, false)
		c.sendResponse(req.ID, nil)
	case OpDemandPrimary:
		c.handleDemandPrimary(req)
	case OpReleasePrimary:
		c.handleReleasePrimary(req)
	case OpForceReleasePrimary:
		c.handleForceReleasePrimary(req)
	case OpSetWavelength, OpSetGDD, OpSetGDDCurve, OpSetShutter,
		OpSetAlignment, OpSetStandby, OpClearFaults:
		c.handleMutation(req)
	default:
		c.sendError(req.ID, ErrCodeBadRequest, "unrecognised request type: "+req.Type)
	}
}

func (c *WSClient) handleDemandPrimary(req Request) {
	if err := c.server.arbiter.Demand(c.id); err != nil {
		c.sendError(req.ID, ErrCodeAlreadyPrimary, "primary role is held by another client")
		return
	}
	c.sendResponse(req.ID, DemandPrimaryResponse{ClientID: c.id})
	c.hub.BroadcastAll(EventPrimaryChanged, PrimaryChangedEvent{Holder: c.id})
}

func (c *WSClient) handleReleasePrimary(req Request) {
	if err := c.server.arbiter.Release(c.id); err != nil {
		c.sendError(req.ID, ErrCodeNotPrimary, "caller does not hold the primary role")
		return
	}
	c.sendResponse(req.ID, nil)
	c.hub.BroadcastAll(EventPrimaryChanged, PrimaryChangedEvent{Holder: ""})
}

// handleForceReleasePrimary frees the role regardless of holder. Any
// client may issue it; it exists to recover from a primary that crashed
// without its connection dropping promptly.
func (c *WSClient) handleForceReleasePrimary(req Request) {
	prev := c.server.arbiter.ForceRelease()
	c.sendResponse(req.ID, PrimaryChangedEvent{Holder: "", Forced: true})
	if prev != "" {
		c.hub.BroadcastAll(EventPrimaryChanged, PrimaryChangedEvent{Holder: "", Forced: true})
	}
}

// handleMutation gates a mutating operation behind the primary role,
// executes it, and maps controller errors onto wire codes.
func (c *WSClient) handleMutation(req Request) {
	if !c.server.arbiter.IsPrimary(c.id) {
		c.sendError(req.ID, ErrCodeNotPrimary, "mutating operations require the primary role")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.server.commandTimeout)
	defer cancel()

	err := c.execute(ctx, req)
	if err == nil {
		c.sendResponse(req.ID, c.server.laser.Status())
		return
	}

	switch {
	case errors.Is(err, errBadPayload):
		c.sendError(req.ID, ErrCodeBadRequest, err.Error())
	case errors.Is(err, laser.ErrOutOfRange):
		c.sendError(req.ID, ErrCodeOutOfRange, err.Error())
	case errors.Is(err, laser.ErrBusy):
		c.sendError(req.ID, ErrCodeBusy, err.Error())
	case errors.Is(err, laser.ErrDevice):
		c.sendError(req.ID, ErrCodeDeviceError, err.Error())
	default:
		c.hub.logger.Error("command failed", "type", req.Type, "client_id", c.id, "error", err)
		c.sendError(req.ID, ErrCodeInternal, "command failed: "+err.Error())
	}
}

// errBadPayload marks payload decode failures inside execute.
var errBadPayload = errors.New("control: bad payload")

func (c *WSClient) execute(ctx context.Context, req Request) error {
	ctrl := c.server.laser
	switch req.Type {
	case OpSetWavelength:
		var p SetWavelengthRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return err
		}
		return ctrl.SetWavelength(ctx, p.WavelengthNM)
	case OpSetGDD:
		var p SetGDDRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return err
		}
		return ctrl.SetGDD(ctx, p.GDDFS)
	case OpSetGDDCurve:
		var p SetGDDCurveRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return err
		}
		if p.Index != nil {
			return ctrl.SetGDDCurve(ctx, *p.Index)
		}
		return ctrl.SetGDDCurveByName(ctx, p.Name)
	case OpSetShutter:
		var p SetShutterRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return err
		}
		return ctrl.SetShutter(ctx, p.Path, p.State)
	case OpSetAlignment:
		var p SetAlignmentRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return err
		}
		return ctrl.SetAlignment(ctx, p.Path, p.On)
	case OpSetStandby:
		var p SetStandbyRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return err
		}
		return ctrl.SetStandby(ctx, p.Standby)
	case OpClearFaults:
		return ctrl.ClearFaults(ctx)
	}
	return errBadPayload
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errBadPayload
	}
	return nil
}

func limitsResponse(l laser.Limits) LimitsResponse {
	return LimitsResponse{
		WavelengthMinNM: l.WavelengthMin,
		WavelengthMaxNM: l.WavelengthMax,
		GDDCurves:       l.Curves,
	}
}

func (c *WSClient) setSubscribed(eventType string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subscriptions[eventType] = struct{}{}
	} else {
		delete(c.subscriptions, eventType)
	}
}

// isSubscribed checks if the client is subscribed to an event type.
func (c *WSClient) isSubscribed(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[eventType]
	return ok
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during
// broadcast) and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// sendResponse sends a successful response message to the client.
func (c *WSClient) sendResponse(id string, payload any) {
	c.writeMessage(Message{
		Type:      MsgTypeResponse,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// sendEvent sends an event directly to this client.
func (c *WSClient) sendEvent(eventType string, payload any) {
	c.writeMessage(Message{
		Type:      MsgTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, code, message string) {
	c.writeMessage(Message{
		Type:      MsgTypeError,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Error:     &Error{Code: code, Message: message},
	})
}

func (c *WSClient) writeMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}
