package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opticlab/discovery-core/internal/infrastructure/config"
	"github.com/opticlab/discovery-core/internal/infrastructure/logging"
	"github.com/opticlab/discovery-core/internal/laser"
)

func quietLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{
		Level:  "error",
		Format: "text",
		Output: "stderr",
	}, "test")
}

func testLaserConfig() config.LaserConfig {
	return config.LaserConfig{
		Simulated:      true,
		CommandTimeout: config.Duration(2 * time.Second),
		WavelengthMin:  680,
		WavelengthMax:  1300,
		GDDCurves: []config.GDDCurveConfig{
			{Index: 0, Name: "Default", MinFS: -30000, MaxFS: 5000},
		},
	}
}

// newTestServer builds a Server over a simulator-backed controller and
// serves its router on an ephemeral port.
func newTestServer(t *testing.T) (*Server, *httptest.Server, *laser.Simulator) {
	t.Helper()

	cfg := testLaserConfig()
	sim := laser.NewSimulator(cfg)
	sim.SetTuneDuration(0)
	ctrl, err := laser.OpenTransport(context.Background(), sim, cfg, quietLogger())
	if err != nil {
		t.Fatalf("OpenTransport() error = %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })

	srv, err := New(Deps{
		Config: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:         quietLogger(),
		Laser:          ctrl,
		CommandTimeout: 2 * time.Second,
		Version:        "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)
	return srv, ts, sim
}

// wsDial opens a protocol connection to the test server.
func wsDial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// roundTrip sends a request and reads messages until the matching
// response or error arrives, skipping unsolicited events.
func roundTrip(t *testing.T, conn *websocket.Conn, reqType string, payload any) Message {
	t.Helper()

	req := map[string]any{"type": reqType, "id": reqType + "-1"}
	if payload != nil {
		req["payload"] = payload
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write %s error = %v", reqType, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read reply to %s error = %v", reqType, err)
		}
		if msg.Type == MsgTypeEvent {
			continue
		}
		if msg.ID != req["id"] {
			continue
		}
		return msg
	}
}

func TestServer_QueryStatus(t *testing.T) {
	_, ts, _ := newTestServer(t)
	conn := wsDial(t, ts)

	msg := roundTrip(t, conn, OpQueryStatus, nil)
	if msg.Type != MsgTypeResponse {
		t.Fatalf("reply type = %s, error = %+v", msg.Type, msg.Error)
	}

	data, _ := json.Marshal(msg.Payload)
	var st laser.Status
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode status error = %v", err)
	}
	if st.SerialNumber != "DEBUG" {
		t.Errorf("SerialNumber = %q, want DEBUG", st.SerialNumber)
	}
	if st.WavelengthNM != 920 {
		t.Errorf("WavelengthNM = %g, want 920", st.WavelengthNM)
	}
}

func TestServer_MutationRequiresPrimary(t *testing.T) {
	_, ts, _ := newTestServer(t)
	conn := wsDial(t, ts)

	msg := roundTrip(t, conn, OpSetWavelength, SetWavelengthRequest{WavelengthNM: 800})
	if msg.Type != MsgTypeError || msg.Error == nil || msg.Error.Code != ErrCodeNotPrimary {
		t.Fatalf("set without primary = %+v, want not_primary error", msg)
	}

	if msg = roundTrip(t, conn, OpDemandPrimary, nil); msg.Type != MsgTypeResponse {
		t.Fatalf("demand_primary failed: %+v", msg.Error)
	}

	msg = roundTrip(t, conn, OpSetWavelength, SetWavelengthRequest{WavelengthNM: 800})
	if msg.Type != MsgTypeResponse {
		t.Fatalf("set with primary failed: %+v", msg.Error)
	}

	data, _ := json.Marshal(msg.Payload)
	var st laser.Status
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode status error = %v", err)
	}
	if st.WavelengthNM != 800 {
		t.Errorf("WavelengthNM = %g, want 800", st.WavelengthNM)
	}
}

func TestServer_SinglePrimary(t *testing.T) {
	_, ts, _ := newTestServer(t)
	first := wsDial(t, ts)
	second := wsDial(t, ts)

	if msg := roundTrip(t, first, OpDemandPrimary, nil); msg.Type != MsgTypeResponse {
		t.Fatalf("first demand failed: %+v", msg.Error)
	}

	msg := roundTrip(t, second, OpDemandPrimary, nil)
	if msg.Type != MsgTypeError || msg.Error.Code != ErrCodeAlreadyPrimary {
		t.Fatalf("second demand = %+v, want already_primary error", msg)
	}

	msg = roundTrip(t, second, OpSetStandby, SetStandbyRequest{Standby: true})
	if msg.Type != MsgTypeError || msg.Error.Code != ErrCodeNotPrimary {
		t.Fatalf("observer mutation = %+v, want not_primary error", msg)
	}

	if msg = roundTrip(t, first, OpReleasePrimary, nil); msg.Type != MsgTypeResponse {
		t.Fatalf("release failed: %+v", msg.Error)
	}
	if msg = roundTrip(t, second, OpDemandPrimary, nil); msg.Type != MsgTypeResponse {
		t.Fatalf("demand after release failed: %+v", msg.Error)
	}
}

func TestServer_DisconnectReleasesPrimary(t *testing.T) {
	srv, ts, _ := newTestServer(t)
	first := wsDial(t, ts)
	second := wsDial(t, ts)

	if msg := roundTrip(t, first, OpDemandPrimary, nil); msg.Type != MsgTypeResponse {
		t.Fatalf("demand failed: %+v", msg.Error)
	}
	first.Close()

	// The release happens in the read pump's cleanup; poll briefly.
	deadline := time.Now().Add(3 * time.Second)
	for srv.arbiter.Holder() != "" {
		if time.Now().After(deadline) {
			t.Fatal("primary role was not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if msg := roundTrip(t, second, OpDemandPrimary, nil); msg.Type != MsgTypeResponse {
		t.Fatalf("demand after disconnect failed: %+v", msg.Error)
	}
}

func TestServer_ForceRelease(t *testing.T) {
	_, ts, _ := newTestServer(t)
	first := wsDial(t, ts)
	second := wsDial(t, ts)

	if msg := roundTrip(t, first, OpDemandPrimary, nil); msg.Type != MsgTypeResponse {
		t.Fatalf("demand failed: %+v", msg.Error)
	}

	if msg := roundTrip(t, second, OpForceReleasePrimary, nil); msg.Type != MsgTypeResponse {
		t.Fatalf("force release failed: %+v", msg.Error)
	}
	if msg := roundTrip(t, second, OpDemandPrimary, nil); msg.Type != MsgTypeResponse {
		t.Fatalf("demand after force release failed: %+v", msg.Error)
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	_, ts, sim := newTestServer(t)
	conn := wsDial(t, ts)

	if msg := roundTrip(t, conn, OpDemandPrimary, nil); msg.Type != MsgTypeResponse {
		t.Fatalf("demand failed: %+v", msg.Error)
	}

	msg := roundTrip(t, conn, OpSetWavelength, SetWavelengthRequest{WavelengthNM: 5000})
	if msg.Type != MsgTypeError || msg.Error.Code != ErrCodeOutOfRange {
		t.Errorf("out-of-range set = %+v, want out_of_range", msg)
	}

	msg = roundTrip(t, conn, OpSetGDDCurve, SetGDDCurveRequest{Name: "nope"})
	if msg.Type != MsgTypeError || msg.Error.Code != ErrCodeOutOfRange {
		t.Errorf("unknown curve = %+v, want out_of_range", msg)
	}

	msg = roundTrip(t, conn, OpSetWavelength, nil)
	if msg.Type != MsgTypeError || msg.Error.Code != ErrCodeBadRequest {
		t.Errorf("missing payload = %+v, want bad_request", msg)
	}

	msg = roundTrip(t, conn, "warp_speed", nil)
	if msg.Type != MsgTypeError || msg.Error.Code != ErrCodeBadRequest {
		t.Errorf("unknown op = %+v, want bad_request", msg)
	}

	// Busy during a long tune.
	sim.SetTuneDuration(time.Minute)
	if msg = roundTrip(t, conn, OpSetWavelength, SetWavelengthRequest{WavelengthNM: 700}); msg.Type != MsgTypeResponse {
		t.Fatalf("set failed: %+v", msg.Error)
	}
	msg = roundTrip(t, conn, OpSetGDD, SetGDDRequest{GDDFS: 100})
	if msg.Type != MsgTypeError || msg.Error.Code != ErrCodeBusy {
		t.Errorf("set during tune = %+v, want busy", msg)
	}
}

func TestServer_SubscribeStatus(t *testing.T) {
	srv, ts, _ := newTestServer(t)
	conn := wsDial(t, ts)

	if msg := roundTrip(t, conn, OpSubscribeStatus, nil); msg.Type != MsgTypeResponse {
		t.Fatalf("subscribe failed: %+v", msg.Error)
	}

	// Subscription seeds an immediate snapshot event.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read event error = %v", err)
		}
		if msg.Type == MsgTypeEvent && msg.EventType == EventStatus {
			break
		}
	}

	// Broadcasts reach the subscriber too.
	srv.hub.Broadcast(EventStatus, srv.laser.Status())
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read broadcast error = %v", err)
		}
		if msg.Type == MsgTypeEvent && msg.EventType == EventStatus {
			break
		}
	}
}

func TestServer_RESTEndpoints(t *testing.T) {
	srv, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET /api/v1/status error = %v", err)
	}
	defer resp2.Body.Close()
	var st laser.Status
	if err := json.NewDecoder(resp2.Body).Decode(&st); err != nil {
		t.Fatalf("decode status error = %v", err)
	}
	if st.SerialNumber != "DEBUG" {
		t.Errorf("SerialNumber = %q, want DEBUG", st.SerialNumber)
	}

	resp3, err := http.Get(ts.URL + "/api/v1/limits")
	if err != nil {
		t.Fatalf("GET /api/v1/limits error = %v", err)
	}
	defer resp3.Body.Close()
	var limits LimitsResponse
	if err := json.NewDecoder(resp3.Body).Decode(&limits); err != nil {
		t.Fatalf("decode limits error = %v", err)
	}
	if limits.WavelengthMinNM != 680 || limits.WavelengthMaxNM != 1300 {
		t.Errorf("limits = %+v", limits)
	}

	// Force-release over REST clears a held role.
	if err := srv.arbiter.Demand("ghost"); err != nil {
		t.Fatalf("Demand() error = %v", err)
	}
	resp4, err := http.Post(ts.URL+"/api/v1/primary/force-release", "application/json", nil)
	if err != nil {
		t.Fatalf("POST force-release error = %v", err)
	}
	defer resp4.Body.Close()
	if srv.arbiter.Holder() != "" {
		t.Error("force-release endpoint should free the role")
	}
}

func TestPoller_BroadcastsStatus(t *testing.T) {
	srv, ts, sim := newTestServer(t)
	conn := wsDial(t, ts)

	if msg := roundTrip(t, conn, OpSubscribeStatus, nil); msg.Type != MsgTypeResponse {
		t.Fatalf("subscribe failed: %+v", msg.Error)
	}

	sim.InjectFault("Humidity out of range")

	poller := NewPoller(20*time.Millisecond, srv.laser, srv.hub, nil, quietLogger())
	poller.Start(context.Background())
	defer poller.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read event error = %v", err)
		}
		if msg.Type != MsgTypeEvent || msg.EventType != EventStatus {
			continue
		}
		data, _ := json.Marshal(msg.Payload)
		var st laser.Status
		if err := json.Unmarshal(data, &st); err != nil {
			t.Fatalf("decode status error = %v", err)
		}
		if st.Faulted {
			if st.FaultText != "Humidity out of range" {
				t.Errorf("FaultText = %q", st.FaultText)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("poller never surfaced the injected fault")
		}
	}
}

func TestPoller_StartStopRestart(t *testing.T) {
	srv, _, _ := newTestServer(t)

	poller := NewPoller(10*time.Millisecond, srv.laser, srv.hub, nil, quietLogger())
	poller.Start(context.Background())
	poller.Start(context.Background()) // second Start is a no-op
	time.Sleep(30 * time.Millisecond)
	poller.Stop()
	poller.Stop() // second Stop is a no-op

	poller.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	poller.Stop()
}
