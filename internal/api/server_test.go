package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bbellwfu/moip-manager/internal/bridges/moip"
	"github.com/bbellwfu/moip-manager/internal/infrastructure/config"
	"github.com/bbellwfu/moip-manager/internal/infrastructure/logging"
)

// testServer creates a Server backed by a fake controller.
func testServer(t *testing.T) (*Server, *fakeController) {
	t.Helper()

	ctrl := newFakeController()
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
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:     logging.Discard(),
		Controller: ctrl,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, ctrl
}

// do runs one request through the router.
func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Controller: newFakeController()}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without controller should fail")
	}
}

func TestHealth(t *testing.T) {
	srv, ctrl := testServer(t)

	rec := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := decode[HealthResponse](t, rec)
	if body.Status != "ok" || body.Version != "test" || len(body.Transports) != 2 {
		t.Errorf("health = %+v", body)
	}

	ctrl.setStale(true)
	body = decode[HealthResponse](t, do(t, srv, http.MethodGet, "/api/v1/health", ""))
	if body.Status != "degraded" || !body.Stale {
		t.Errorf("stale health = %+v", body)
	}

	ctrl.setStale(false)
	ctrl.mu.Lock()
	ctrl.status.Transports[1].State = moip.StateConnecting
	ctrl.mu.Unlock()
	body = decode[HealthResponse](t, do(t, srv, http.MethodGet, "/api/v1/health", ""))
	if body.Status != "degraded" {
		t.Errorf("health with REST connecting = %q, want degraded", body.Status)
	}
}

func TestRequestID(t *testing.T) {
	srv, _ := testServer(t)

	rec := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	rec = httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _ := testServer(t)
	srv.cfg.CORS.AllowedOrigins = []string{"http://ui.local"}

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/switch", nil)
	req.Header.Set("Origin", "http://ui.local")
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/switch", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Allow-Origin %q", got)
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t)
	rec := do(t, srv, http.MethodGet, "/api/v1/nonexistent", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if e := decode[Error](t, rec); e.Code != ErrCodeNotFound {
		t.Errorf("code = %q", e.Code)
	}
}

func TestListDevices(t *testing.T) {
	srv, ctrl := testServer(t)

	rec := do(t, srv, http.MethodGet, "/api/v1/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(staleHeader) != "" {
		t.Error("fresh read should not carry the stale header")
	}
	body := decode[DevicesResponse](t, rec)
	if len(body.Devices) != 2 || body.TXCount != 1 || body.Stale {
		t.Errorf("devices = %+v", body)
	}

	// Stale data is still served.
	ctrl.setStale(true)
	rec = do(t, srv, http.MethodGet, "/api/v1/devices", "")
	if rec.Code != http.StatusOK || rec.Header().Get(staleHeader) != "true" {
		t.Errorf("stale read status=%d header=%q", rec.Code, rec.Header().Get(staleHeader))
	}
	if body := decode[DevicesResponse](t, rec); !body.Stale || len(body.Devices) != 2 {
		t.Errorf("stale devices = %+v", body)
	}
}

func TestRouting(t *testing.T) {
	srv, _ := testServer(t)
	body := decode[RoutingResponse](t, do(t, srv, http.MethodGet, "/api/v1/routing", ""))
	if len(body.Routes) != 1 || body.Routes[0].TX != 1 || body.Routes[0].RX != 1 {
		t.Errorf("routing = %+v", body)
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		method string
		path   string
		body   string
		want   string
	}{
		{http.MethodPost, "/api/v1/switch", `{"tx":2,"rx":5}`, "switch 2 5"},
		{http.MethodPost, "/api/v1/receivers/5/unassign", "", "unassign 5"},
		{http.MethodPut, "/api/v1/transmitters/3/name", `{"name":"Cable Box"}`, "rename tx 3 Cable Box"},
		{http.MethodPut, "/api/v1/receivers/4/name", `{"name":"Patio"}`, "rename rx 4 Patio"},
		{http.MethodPut, "/api/v1/receivers/4/resolution", `{"value":"fhd1080p60"}`, "resolution 4 fhd1080p60"},
		{http.MethodPut, "/api/v1/receivers/4/hdcp", `{"value":"hdcp22"}`, "hdcp 4 hdcp22"},
		{http.MethodPost, "/api/v1/receivers/2/cec/power_on", "", "cec on 2"},
		{http.MethodPost, "/api/v1/receivers/2/cec/mute", "", "cec mute 2"},
		{http.MethodPost, "/api/v1/receivers/2/serial", `{"data":"50 57 0d"}`, "serial rx 2 9600-8n1 50 57 0D"},
		{http.MethodPost, "/api/v1/transmitters/1/serial", `{"baud":"19200-8e1","data":"01"}`, "serial tx 1 19200-8e1 01"},
		{http.MethodPost, "/api/v1/transmitters/1/ir", `{"data":"00 6D"}`, "ir tx 1 00 6D"},
		{http.MethodPost, "/api/v1/resync", "", "resync"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			srv, ctrl := testServer(t)
			rec := do(t, srv, tt.method, tt.path, tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			if got := decode[CommandResponse](t, rec); got.Status != "accepted" {
				t.Errorf("response = %+v", got)
			}
			if got := ctrl.lastCall(); got != tt.want {
				t.Errorf("call = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommands_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"invalid json", http.MethodPost, "/api/v1/switch", "{", http.StatusBadRequest},
		{"non-numeric index", http.MethodPost, "/api/v1/receivers/abc/unassign", "", http.StatusBadRequest},
		{"unknown cec action", http.MethodPost, "/api/v1/receivers/1/cec/dance", "", http.StatusNotFound},
		{"bad hex", http.MethodPost, "/api/v1/transmitters/1/ir", `{"data":"zz"}`, http.StatusBadRequest},
		{"bad baud", http.MethodPost, "/api/v1/receivers/1/serial", `{"baud":"fast","data":"01"}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/v1/switch", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ctrl := testServer(t)
			rec := do(t, srv, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			if got := ctrl.lastCall(); got != "" {
				t.Errorf("controller called: %q", got)
			}
		})
	}
}

func TestControllerErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: rx 0", moip.ErrInvalidArgument), http.StatusBadRequest, ErrCodeValidation},
		{moip.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{&moip.CorrelationConflict{Kind: moip.KindRX, Index: 3, GroupIDs: []int{30, 31}}, http.StatusConflict, ErrCodeConflict},
		{&moip.CommandRejected{Text: "#Error"}, http.StatusUnprocessableEntity, ErrCodeRejected},
		{moip.ErrTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
		{&moip.AuthError{Transport: "rest", Reason: "login rejected"}, http.StatusBadGateway, ErrCodeControllerAuth},
		{moip.ErrNotConfigured, http.StatusServiceUnavailable, ErrCodeNotConfigured},
		{&moip.NetworkError{Op: "dial", Err: errors.New("refused")}, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{moip.ErrNotConnected, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := controllerErrorStatus(tt.err)
			if status != tt.status || code != tt.code {
				t.Errorf("controllerErrorStatus() = %d %s, want %d %s", status, code, tt.status, tt.code)
			}
		})
	}
}

func TestCommands_ControllerError(t *testing.T) {
	srv, ctrl := testServer(t)
	ctrl.setErr(&moip.CommandRejected{Text: "#Invalid receiver"})

	rec := do(t, srv, http.MethodPost, "/api/v1/switch", `{"tx":1,"rx":99}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if e := decode[Error](t, rec); e.Code != ErrCodeRejected || !strings.Contains(e.Message, "Invalid receiver") {
		t.Errorf("error = %+v", e)
	}
}

func TestPreview(t *testing.T) {
	srv, _ := testServer(t)
	rec := do(t, srv, http.MethodGet, "/api/v1/transmitters/1/preview", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.Len() != 4 {
		t.Errorf("body length = %d", rec.Body.Len())
	}
}

func TestVideoAndSerialReads(t *testing.T) {
	srv, _ := testServer(t)

	tx := decode[moip.VideoTxStats](t, do(t, srv, http.MethodGet, "/api/v1/transmitters/2/video", ""))
	if tx.TX != 2 || !tx.HasSignal {
		t.Errorf("video tx = %+v", tx)
	}
	audio := decode[moip.AudioTxStats](t, do(t, srv, http.MethodGet, "/api/v1/transmitters/2/audio", ""))
	if audio.TX != 2 || audio.Format != "PCM" {
		t.Errorf("audio tx = %+v", audio)
	}
	rx := decode[moip.VideoRxSettings](t, do(t, srv, http.MethodGet, "/api/v1/receivers/3/video", ""))
	if rx.RX != 3 {
		t.Errorf("video rx = %+v", rx)
	}

	rec := do(t, srv, http.MethodGet, "/api/v1/receivers/1/serial", "")
	if !strings.Contains(rec.Body.String(), `"4F 4B"`) {
		t.Errorf("serial history = %s", rec.Body.String())
	}
	rec = do(t, srv, http.MethodGet, "/api/v1/transmitters/1/serial", "")
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Errorf("empty serial history = %s", rec.Body.String())
	}
}

func TestControllerInfo(t *testing.T) {
	srv, _ := testServer(t)

	rec := do(t, srv, http.MethodGet, "/api/v1/controller/system", "")
	if rec.Code != http.StatusOK || rec.Body.String() != `{"model":"MoIP-CTRL"}` {
		t.Errorf("info = %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodGet, "/api/v1/controller/bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown topic status = %d, want 400", rec.Code)
	}
}

func TestRaw(t *testing.T) {
	srv, ctrl := testServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/raw", `{"command":"?Receivers"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[RawResponse](t, rec)
	if len(resp.Lines) != 1 || resp.Lines[0] != "?Receivers=1:1" {
		t.Errorf("lines = %v", resp.Lines)
	}
	if got := ctrl.lastCall(); got != "raw ?Receivers" {
		t.Errorf("call = %q", got)
	}
}

func TestMetrics(t *testing.T) {
	srv, ctrl := testServer(t)
	ctrl.mu.Lock()
	ctrl.status.Line = moip.LineStats{Requests: 10, Violations: 1}
	ctrl.status.Rest = &moip.RestStats{Requests: 4, Logins: 1, EventsDropped: 2}
	ctrl.status.Dispatcher = moip.DispatcherStats{Violations: 2}
	ctrl.mu.Unlock()

	m := decode[SystemMetrics](t, do(t, srv, http.MethodGet, "/api/v1/metrics", ""))
	if m.Version != "test" || m.Runtime.Goroutines == 0 {
		t.Errorf("metrics = %+v", m)
	}
	if m.Controller.LineRequests != 10 || m.Controller.Violations != 3 || m.Controller.EventsDropped != 2 {
		t.Errorf("controller stats = %+v", m.Controller)
	}
	if m.MQTT != nil {
		t.Error("mqtt metrics present without a client")
	}
}

func TestServer_StartAndClose(t *testing.T) {
	srv, _ := testServer(t)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if _, err := http.Get("http://" + srv.Addr() + "/api/v1/health"); err == nil {
		t.Error("server still accepting after Close")
	}
}

func TestServer_CloseWithoutStart(t *testing.T) {
	srv, _ := testServer(t)
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestInstrument_RecoversPanics(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.instrument(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing on recovered request")
	}
	if got := srv.requests.panics.Load(); got != 1 {
		t.Errorf("panics = %d, want 1", got)
	}
	if got := srv.requests.serverErrors.Load(); got != 1 {
		t.Errorf("server errors = %d, want 1", got)
	}
}

func TestInstrument_CountsOutcomes(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	for _, path := range []string{"/api/v1/health", "/api/v1/nonexistent", "/api/v1/transmitters/0/video"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	m := decode[SystemMetrics](t, rec)
	// The metrics request itself is counted after it is served.
	if m.HTTP.Requests != 3 || m.HTTP.ClientErrors != 2 || m.HTTP.ServerErrors != 0 {
		t.Errorf("http metrics = %+v", m.HTTP)
	}
}

func TestChangeFilter(t *testing.T) {
	routes := []moip.Route{{RX: 1, TX: 2}, {RX: 2, TX: 2}, {RX: 3, TX: 1}}
	devices := []moip.Device{{Kind: moip.KindTX, Index: 1}, {Kind: moip.KindTX, Index: 2}, {Kind: moip.KindRX, Index: 1}}
	serialTX2 := &moip.SerialMessage{Device: moip.DeviceKey{Kind: moip.KindTX, Index: 2}}

	tests := []struct {
		name         string
		kinds        []moip.ChangeKind
		receivers    []int
		transmitters []int
		change       moip.Change
		wantOK       bool
		wantItems    int
	}{
		{"unsubscribed kind", []moip.ChangeKind{moip.ChangeDevice}, nil, nil,
			moip.Change{Kind: moip.ChangeRouting, Routes: routes}, false, 0},
		{"all routes", []moip.ChangeKind{moip.ChangeRouting}, nil, nil,
			moip.Change{Kind: moip.ChangeRouting, Routes: routes}, true, 3},
		{"routes narrowed to receivers", []moip.ChangeKind{moip.ChangeRouting}, []int{1, 3}, []int{9},
			moip.Change{Kind: moip.ChangeRouting, Routes: routes}, true, 2},
		{"no route left", []moip.ChangeKind{moip.ChangeRouting}, []int{7}, nil,
			moip.Change{Kind: moip.ChangeRouting, Routes: routes}, false, 0},
		{"devices narrowed per kind", []moip.ChangeKind{moip.ChangeDevice}, nil, []int{2},
			moip.Change{Kind: moip.ChangeDevice, Devices: devices}, true, 2},
		{"serial from watched transmitter", []moip.ChangeKind{moip.ChangeSerial}, nil, []int{2},
			moip.Change{Kind: moip.ChangeSerial, Serial: serialTX2}, true, 0},
		{"serial from other transmitter", []moip.ChangeKind{moip.ChangeSerial}, nil, []int{1},
			moip.Change{Kind: moip.ChangeSerial, Serial: serialTX2}, false, 0},
		{"connection ignores indices", []moip.ChangeKind{moip.ChangeConnection}, []int{5}, []int{5},
			moip.Change{Kind: moip.ChangeConnection}, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := changeFilter{kinds: make(map[moip.ChangeKind]bool)}
			for _, k := range tt.kinds {
				f.kinds[k] = true
			}
			f.receivers, _ = indexSet(tt.receivers)
			f.transmitters, _ = indexSet(tt.transmitters)

			got, ok := f.match(tt.change)
			if ok != tt.wantOK {
				t.Fatalf("match() ok = %v, want %v", ok, tt.wantOK)
			}
			if n := len(got.Routes) + len(got.Devices); ok && n != tt.wantItems {
				t.Errorf("match() kept %d items, want %d", n, tt.wantItems)
			}
		})
	}

	if len(routes) != 3 || routes[0].RX != 1 || routes[1].RX != 2 {
		t.Errorf("match() modified the shared routes: %+v", routes)
	}
}

// connectWebSocket starts the server and dials its WebSocket endpoint.
func connectWebSocket(t *testing.T) (*Server, *fakeController, *websocket.Conn) {
	t.Helper()
	srv, ctrl := testServer(t)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return srv, ctrl, ws
}

func readWS(t *testing.T, ws *websocket.Conn) wsFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	var f wsFrame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	return f
}

func subscribeWS(t *testing.T, ws *websocket.Conn, req wsRequest) wsFrame {
	t.Helper()
	req.Type = wsSubscribe
	if err := ws.WriteJSON(req); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ack := readWS(t, ws)
	if ack.Type != wsFrameAck || ack.ID != req.ID {
		t.Fatalf("subscribe ack = %+v", ack)
	}
	return ack
}

func TestWebSocket_SnapshotOnSubscribe(t *testing.T) {
	_, ctrl, ws := connectWebSocket(t)
	ctrl.mu.Lock()
	ctrl.snap.Routing = []moip.Route{{RX: 1, TX: 1}, {RX: 2, TX: 1}}
	ctrl.mu.Unlock()

	subscribeWS(t, ws, wsRequest{ID: "s1", Channels: []moip.ChangeKind{moip.ChangeRouting}, Receivers: []int{2}})

	f := readWS(t, ws)
	if f.Type != wsFrameSnapshot || f.ID != "s1" || f.Snapshot == nil {
		t.Fatalf("frame = %+v, want snapshot", f)
	}
	if len(f.Snapshot.Routing) != 1 || f.Snapshot.Routing[0].RX != 2 {
		t.Errorf("snapshot routing = %+v, want only rx2", f.Snapshot.Routing)
	}
	if len(f.Snapshot.Devices) != 1 || f.Snapshot.Devices[0].Kind != moip.KindTX {
		t.Errorf("snapshot devices = %+v, want only the transmitter", f.Snapshot.Devices)
	}
}

func TestWebSocket_StaleSnapshotStillSent(t *testing.T) {
	_, ctrl, ws := connectWebSocket(t)
	ctrl.setStale(true)

	subscribeWS(t, ws, wsRequest{ID: "s1", Channels: []moip.ChangeKind{moip.ChangeDevice}})
	f := readWS(t, ws)
	if f.Type != wsFrameSnapshot || f.Snapshot == nil || !f.Snapshot.Stale {
		t.Errorf("frame = %+v, want stale snapshot", f)
	}
}

func TestWebSocket_FilteredChanges(t *testing.T) {
	srv, _, ws := connectWebSocket(t)

	// Serial only: no state snapshot follows the ack.
	ack := subscribeWS(t, ws, wsRequest{ID: "s1", Channels: []moip.ChangeKind{moip.ChangeSerial}, Transmitters: []int{4}})
	if len(ack.Channels) != 1 || ack.Channels[0] != moip.ChangeSerial {
		t.Errorf("ack channels = %v", ack.Channels)
	}

	srv.hub.Publish(moip.Change{Kind: moip.ChangeRouting, Routes: []moip.Route{{RX: 1, TX: 2}}})
	srv.hub.Publish(moip.Change{Kind: moip.ChangeSerial, Serial: &moip.SerialMessage{Device: moip.DeviceKey{Kind: moip.KindTX, Index: 3}}})
	srv.hub.Publish(moip.Change{Kind: moip.ChangeSerial, Serial: &moip.SerialMessage{
		Device: moip.DeviceKey{Kind: moip.KindTX, Index: 4},
		Data:   []byte("PWR"),
	}})

	f := readWS(t, ws)
	if f.Type != wsFrameChange || f.Change == nil || f.Change.Kind != moip.ChangeSerial {
		t.Fatalf("frame = %+v, want serial change", f)
	}
	if f.Change.Serial == nil || f.Change.Serial.Device.Index != 4 {
		t.Errorf("serial change = %+v, want tx4", f.Change.Serial)
	}

	delivered, dropped := srv.hub.Stats()
	if delivered != 1 || dropped != 0 {
		t.Errorf("Stats() = %d, %d; want 1, 0", delivered, dropped)
	}
}

func TestWebSocket_RelaysControllerChanges(t *testing.T) {
	_, ctrl, ws := connectWebSocket(t)
	subscribeWS(t, ws, wsRequest{ID: "s1", Channels: []moip.ChangeKind{moip.ChangeRouting}})
	if f := readWS(t, ws); f.Type != wsFrameSnapshot {
		t.Fatalf("frame = %+v, want snapshot", f)
	}

	d := moip.NewDispatcher(ctrl.cache, nil, nil)
	d.Start(nil, nil)
	defer d.Stop()
	err := d.Submit(context.Background(), moip.Event{
		Type:    moip.EventRouting,
		Source:  moip.SourceLine,
		Routing: []moip.Assignment{{TX: 2, RX: 1}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	f := readWS(t, ws)
	if f.Type != wsFrameChange || f.Change == nil || len(f.Change.Routes) == 0 || f.Change.Routes[0].TX != 2 {
		t.Errorf("frame = %+v, want routing change to tx2", f)
	}
}

func TestWebSocket_Messages(t *testing.T) {
	tests := []struct {
		name     string
		send     string
		wantType string
	}{
		{"ping", `{"type":"ping","id":"p1"}`, wsFramePong},
		{"invalid json", `{`, wsFrameError},
		{"unknown type", `{"type":"dance","id":"d1"}`, wsFrameError},
		{"unknown channel", `{"type":"subscribe","id":"s1","channels":["weather"]}`, wsFrameError},
		{"no channels", `{"type":"subscribe","id":"s1"}`, wsFrameError},
		{"bad receiver", `{"type":"subscribe","id":"s1","channels":["routing"],"receivers":[0]}`, wsFrameError},
		{"unsubscribe", `{"type":"unsubscribe","id":"u1","channels":["routing"]}`, wsFrameAck},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ws := connectWebSocket(t)
			if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.send)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if f := readWS(t, ws); f.Type != tt.wantType {
				t.Errorf("type = %q, want %q (frame %+v)", f.Type, tt.wantType, f)
			}
		})
	}
}

func TestHub_ClientCount(t *testing.T) {
	srv, _, ws := connectWebSocket(t)
	deadline := time.Now().Add(time.Second)
	for srv.hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := srv.hub.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}

	ws.Close()
	deadline = time.Now().Add(time.Second)
	for srv.hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := srv.hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() after close = %d, want 0", got)
	}
}
