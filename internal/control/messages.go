package control

import (
	"encoding/json"

	"github.com/opticlab/discovery-core/internal/laser"
)

// WebSocket message types.
const (
	MsgTypeResponse = "response"
	MsgTypeError    = "error"
	MsgTypeEvent    = "event"
)

// Request operations a client may send. Mutating operations require the
// caller to hold the primary role.
const (
	OpDemandPrimary       = "demand_primary"
	OpReleasePrimary      = "release_primary"
	OpForceReleasePrimary = "force_release_primary"
	OpQueryStatus         = "query_status"
	OpQueryLimits         = "query_limits"
	OpSubscribeStatus     = "subscribe_status"
	OpUnsubscribeStatus   = "unsubscribe_status"
	OpSetWavelength       = "set_wavelength"
	OpSetGDD              = "set_gdd"
	OpSetGDDCurve         = "set_gdd_curve"
	OpSetShutter          = "set_shutter"
	OpSetAlignment        = "set_alignment"
	OpSetStandby          = "set_standby"
	OpClearFaults         = "clear_faults"
	OpPing                = "ping"
)

// Event types broadcast by the server.
const (
	EventStatus         = "status"
	EventPrimaryChanged = "primary_changed"
)

// Request is a client-to-server WebSocket message. ID is echoed back on
// the matching response so clients can correlate concurrent requests.
type Request struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is a server-to-client WebSocket message: a response to a
// request, an error, or an unsolicited event.
type Message struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     *Error `json:"error,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// SetWavelengthRequest is the payload for set_wavelength.
type SetWavelengthRequest struct {
	WavelengthNM float64 `json:"wavelength_nm"`
}

// SetGDDRequest is the payload for set_gdd.
type SetGDDRequest struct {
	GDDFS float64 `json:"gdd_fs2"`
}

// SetGDDCurveRequest is the payload for set_gdd_curve. Either the index
// or the name selects the curve; the index wins when both are present.
type SetGDDCurveRequest struct {
	Index *int   `json:"index,omitempty"`
	Name  string `json:"name,omitempty"`
}

// SetShutterRequest is the payload for set_shutter.
type SetShutterRequest struct {
	Path  laser.Path         `json:"path"`
	State laser.ShutterState `json:"state"`
}

// SetAlignmentRequest is the payload for set_alignment.
type SetAlignmentRequest struct {
	Path laser.Path `json:"path"`
	On   bool       `json:"on"`
}

// SetStandbyRequest is the payload for set_standby.
type SetStandbyRequest struct {
	Standby bool `json:"standby"`
}

// PrimaryChangedEvent is the payload for primary_changed events. Holder
// is empty when the role is free.
type PrimaryChangedEvent struct {
	Holder string `json:"holder"`
	Forced bool   `json:"forced,omitempty"`
}

// DemandPrimaryResponse is the payload returned by demand_primary.
type DemandPrimaryResponse struct {
	ClientID string `json:"client_id"`
}

// LimitsResponse is the payload returned by query_limits and GET /limits.
type LimitsResponse struct {
	WavelengthMinNM float64          `json:"wavelength_min_nm"`
	WavelengthMaxNM float64          `json:"wavelength_max_nm"`
	GDDCurves       []laser.GDDCurve `json:"gdd_curves"`
}
