package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/phonos/internal/client"
	"github.com/nerrad567/phonos/internal/control"
	"github.com/nerrad567/phonos/internal/device"
	"github.com/nerrad567/phonos/internal/infrastructure/config"
	"github.com/nerrad567/phonos/internal/infrastructure/logging"
	"github.com/nerrad567/phonos/internal/subscription"
	"github.com/nerrad567/phonos/internal/topology"
)

// fakeController provides canned topology and device state and records
// issued commands.
type fakeController struct {
	mu        sync.Mutex
	snapshot  *topology.Snapshot
	devices   []device.Device
	subs      []subscription.Status
	commands  []issuedCommand
	cmdValues map[string]string
	cmdErr    error
	removed   []string
	removeErr error
	probeErr  error
	probes    int
	callbacks []func(*topology.Snapshot)
}

type issuedCommand struct {
	deviceID string
	action   string
	args     map[string]string
}

func (f *fakeController) Snapshot() *topology.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeController) Devices() []device.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.Device(nil), f.devices...)
}

func (f *fakeController) Subscriptions() []subscription.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]subscription.Status(nil), f.subs...)
}

func (f *fakeController) SendCommand(_ context.Context, deviceID, action string, args map[string]string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, issuedCommand{deviceID: deviceID, action: action, args: args})
	if f.cmdErr != nil {
		return nil, f.cmdErr
	}
	return f.cmdValues, nil
}

func (f *fakeController) RemoveDevice(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeController) DiscoverOnce(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}

func (f *fakeController) OnTopologyChange(fn func(*topology.Snapshot)) func() {
	f.mu.Lock()
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeController) publish(snap *topology.Snapshot) {
	f.mu.Lock()
	f.snapshot = snap
	callbacks := make([]func(*topology.Snapshot), len(f.callbacks))
	copy(callbacks, f.callbacks)
	f.mu.Unlock()
	for _, fn := range callbacks {
		fn(snap)
	}
}

func testDevices() []device.Device {
	return []device.Device{
		{ID: "RINCON_A", Name: "Kitchen", Host: "192.168.1.10", Port: 1400, Reachable: true},
		{ID: "RINCON_B", Name: "Lounge", Host: "192.168.1.11", Port: 1400, Reachable: false},
	}
}

func testTopology() *topology.Snapshot {
	return &topology.Snapshot{
		Version: 3,
		Groups: map[string]topology.Group{
			"RINCON_A:1": {
				ID:          "RINCON_A:1",
				Coordinator: "RINCON_A",
				Members:     []string{"RINCON_A", "RINCON_B"},
			},
		},
		Devices: map[string]device.Device{
			"RINCON_A": {ID: "RINCON_A", Reachable: true},
			"RINCON_B": {ID: "RINCON_B", Reachable: true},
		},
	}
}

// testServer creates a Server wired to a fakeController, with the hub
// running, and returns both.
func testServer(t *testing.T) (*Server, *fakeController) {
	t.Helper()

	fake := &fakeController{
		snapshot: testTopology(),
		devices:  testDevices(),
		subs: []subscription.Status{
			{DeviceID: "RINCON_A", Category: "avtransport", State: subscription.StateActive, SID: "uuid:sub-1"},
		},
		cmdValues: map[string]string{"CurrentVolume": "42"},
	}

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:     log,
		Controller: fake,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	srv.hub = NewHub(srv.wsCfg, log)
	go srv.hub.Run(context.Background())

	return srv, fake
}

func doRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("response is not valid JSON: %v\nbody: %s", err, rec.Body.String())
	}
}

func TestNewValidatesDeps(t *testing.T) {
	if _, err := New(Deps{Controller: &fakeController{}}); err == nil {
		t.Error("New() without logger should fail")
	}
	log := logging.New(config.LoggingConfig{Level: "error"}, "test")
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New() without controller should fail")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}

	var body struct {
		Status          string `json:"status"`
		Version         string `json:"version"`
		TopologyVersion uint64 `json:"topology_version"`
		Devices         int    `json:"devices"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "ok" || body.Version != "test" {
		t.Errorf("health body = %+v", body)
	}
	if body.TopologyVersion != 3 {
		t.Errorf("topology_version = %d, want 3", body.TopologyVersion)
	}
}

func TestGetTopology(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/topology", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("topology status = %d, want 200", rec.Code)
	}

	var snap topology.Snapshot
	decodeBody(t, rec, &snap)
	if snap.Version != 3 {
		t.Errorf("snapshot version = %d, want 3", snap.Version)
	}
	if len(snap.Groups) != 1 {
		t.Errorf("snapshot groups = %d, want 1", len(snap.Groups))
	}
}

func TestListDevices(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/devices", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("devices status = %d, want 200", rec.Code)
	}

	var body struct {
		Devices []device.Device `json:"devices"`
		Count   int             `json:"count"`
	}
	decodeBody(t, rec, &body)
	if body.Count != 2 {
		t.Errorf("count = %d, want 2", body.Count)
	}
}

func TestListDevicesReachableFilter(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/devices?reachable=true", nil)
	var body struct {
		Devices []device.Device `json:"devices"`
		Count   int             `json:"count"`
	}
	decodeBody(t, rec, &body)
	if body.Count != 1 || body.Devices[0].ID != "RINCON_A" {
		t.Errorf("reachable filter returned %+v", body)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/devices?reachable=false", nil)
	decodeBody(t, rec, &body)
	if body.Count != 1 || body.Devices[0].ID != "RINCON_B" {
		t.Errorf("unreachable filter returned %+v", body)
	}
}

func TestGetDevice(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/devices/RINCON_A", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("device status = %d, want 200", rec.Code)
	}

	var dev device.Device
	decodeBody(t, rec, &dev)
	if dev.ID != "RINCON_A" || dev.Name != "Kitchen" {
		t.Errorf("device = %+v", dev)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/devices/RINCON_MISSING", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing device status = %d, want 404", rec.Code)
	}
}

func TestDeviceCommand(t *testing.T) {
	srv, fake := testServer(t)

	body := []byte(`{"action":"SetVolume","args":{"DesiredVolume":"25"}}`)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/RINCON_A/command", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("command status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}

	var resp commandResponse
	decodeBody(t, rec, &resp)
	if resp.DeviceID != "RINCON_A" || resp.Action != "SetVolume" {
		t.Errorf("command response = %+v", resp)
	}
	if resp.Values["CurrentVolume"] != "42" {
		t.Errorf("command values = %v", resp.Values)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.commands) != 1 {
		t.Fatalf("commands issued = %d, want 1", len(fake.commands))
	}
	if fake.commands[0].args["DesiredVolume"] != "25" {
		t.Errorf("command args = %v", fake.commands[0].args)
	}
}

func TestDeviceCommandValidation(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/RINCON_A/command", []byte(`{not json`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/devices/RINCON_A/command", []byte(`{"args":{}}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing action status = %d, want 400", rec.Code)
	}
}

func TestDeviceCommandErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", device.ErrDeviceNotFound, http.StatusNotFound},
		{"unreachable", client.ErrDeviceUnreachable, http.StatusConflict},
		{"unknown action", control.ErrUnknownAction, http.StatusBadRequest},
		{"missing argument", control.ErrMissingArgument, http.StatusBadRequest},
		{"device fault", &control.CommandError{Action: "Play", Code: 701, Description: "Transition not available"}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, fake := testServer(t)
			fake.cmdErr = tt.err

			body := []byte(`{"action":"Play"}`)
			rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/RINCON_A/command", body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d\nbody: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestDeleteDevice(t *testing.T) {
	srv, fake := testServer(t)

	rec := doRequest(t, srv, http.MethodDelete, "/api/v1/devices/RINCON_B", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}

	fake.mu.Lock()
	removed := append([]string(nil), fake.removed...)
	fake.mu.Unlock()
	if len(removed) != 1 || removed[0] != "RINCON_B" {
		t.Errorf("removed = %v, want [RINCON_B]", removed)
	}
}

func TestDeleteDeviceErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", device.ErrDeviceNotFound, http.StatusNotFound},
		{"still grouped", device.ErrDeviceReferenced, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, fake := testServer(t)
			fake.removeErr = tt.err

			rec := doRequest(t, srv, http.MethodDelete, "/api/v1/devices/RINCON_B", nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d\nbody: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestListGroups(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/groups", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("groups status = %d, want 200", rec.Code)
	}

	var body struct {
		Groups  []topology.Group `json:"groups"`
		Count   int              `json:"count"`
		Version uint64           `json:"version"`
	}
	decodeBody(t, rec, &body)
	if body.Count != 1 || body.Version != 3 {
		t.Errorf("groups body = %+v", body)
	}
	if body.Groups[0].Coordinator != "RINCON_A" {
		t.Errorf("group coordinator = %q", body.Groups[0].Coordinator)
	}
}

func TestGetGroup(t *testing.T) {
	srv, _ := testServer(t)

	// Direct group ID lookup.
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/groups/RINCON_A:1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("group status = %d, want 200", rec.Code)
	}

	// Member device ID resolves to its group.
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/groups/RINCON_B", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("group by member status = %d, want 200", rec.Code)
	}
	var g topology.Group
	decodeBody(t, rec, &g)
	if g.Coordinator != "RINCON_A" {
		t.Errorf("group coordinator = %q, want RINCON_A", g.Coordinator)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/groups/RINCON_MISSING", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing group status = %d, want 404", rec.Code)
	}
}

func TestListSubscriptions(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/subscriptions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("subscriptions status = %d, want 200", rec.Code)
	}

	var body struct {
		Subscriptions []subscription.Status `json:"subscriptions"`
		Count         int                   `json:"count"`
	}
	decodeBody(t, rec, &body)
	if body.Count != 1 || body.Subscriptions[0].SID != "uuid:sub-1" {
		t.Errorf("subscriptions body = %+v", body)
	}
}

func TestListActions(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/actions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("actions status = %d, want 200", rec.Code)
	}

	var body struct {
		Actions []string `json:"actions"`
		Count   int      `json:"count"`
	}
	decodeBody(t, rec, &body)
	if body.Count == 0 {
		t.Fatal("actions list is empty")
	}
	found := false
	for _, a := range body.Actions {
		if a == "Play" {
			found = true
		}
	}
	if !found {
		t.Error("actions list missing Play")
	}
}

func TestDiscover(t *testing.T) {
	srv, fake := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/discover", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("discover status = %d, want 202", rec.Code)
	}

	fake.mu.Lock()
	probes := fake.probes
	fake.mu.Unlock()
	if probes != 1 {
		t.Errorf("probes = %d, want 1", probes)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/health", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID header")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec = httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
}

func TestWebSocketTopologyStream(t *testing.T) {
	srv, fake := testServer(t)

	// Register the snapshot relay the way Start() does.
	remove := fake.OnTopologyChange(func(snap *topology.Snapshot) {
		srv.hub.Broadcast(ChannelTopology, snap)
	})
	defer remove()

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	// Subscribe to topology snapshots.
	sub := WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "1",
		Payload: WSSubscribePayload{Channels: []string{ChannelTopology}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	var ack WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read subscribe ack: %v", err)
	}
	if ack.Type != WSTypeResponse {
		t.Fatalf("ack type = %q, want response", ack.Type)
	}

	// Publish a new snapshot and expect it on the socket.
	next := testTopology()
	next.Version = 4
	fake.publish(next)

	var event WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != ChannelTopology {
		t.Fatalf("event = %+v", event)
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		t.Fatalf("re-marshal payload: %v", err)
	}
	var snap topology.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatalf("decode snapshot payload: %v", err)
	}
	if snap.Version != 4 {
		t.Errorf("streamed snapshot version = %d, want 4", snap.Version)
	}
}

func TestWebSocketPing(t *testing.T) {
	srv, _ := testServer(t)

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	var pong WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != WSTypePong || pong.ID != "p1" {
		t.Errorf("pong = %+v", pong)
	}
}
