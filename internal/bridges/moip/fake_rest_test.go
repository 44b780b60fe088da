package moip

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeAPI is an HTTPS management API backed by in-memory resources.
type fakeAPI struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	username  string
	password  string
	tokenSeq  int
	validTok  map[string]bool
	logins    int
	groups    map[Kind]map[int]map[string]any
	units     map[int]map[string]any
	videoTx   map[int]map[string]any
	videoRx   map[int]map[string]any
	audioTx   map[int]map[string]any
	previews  map[int][]byte
	puts      []string
	accepts   map[string]string // request path to Accept header
	streams   []*websocket.Conn
	expiresIn int

	// answerPings reads each event stream so pings get their pongs.
	answerPings bool
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	a := &fakeAPI{
		t:         t,
		username:  "api",
		password:  "pw",
		validTok:  make(map[string]bool),
		groups:    map[Kind]map[int]map[string]any{KindTX: {}, KindRX: {}},
		units:     make(map[int]map[string]any),
		videoTx:   make(map[int]map[string]any),
		videoRx:   make(map[int]map[string]any),
		audioTx:   make(map[int]map[string]any),
		previews:  make(map[int][]byte),
		accepts:   make(map[string]string),
		expiresIn: 900,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/base/auth/login", a.handleLogin)
	mux.HandleFunc("GET /api/v1/events", a.authed(a.handleStream))
	mux.HandleFunc("GET /api/v1/base", a.authed(a.handleJSON(func(*http.Request) any { return map[string]any{"name": "MoIP"} })))
	mux.HandleFunc("GET /api/v1/moip/system", a.authed(a.handleJSON(func(*http.Request) any { return map[string]any{"model": "BR-MOIP-CTL"} })))
	mux.HandleFunc("GET /api/v1/moip/group_tx", a.authed(a.listGroups(KindTX)))
	mux.HandleFunc("GET /api/v1/moip/group_rx", a.authed(a.listGroups(KindRX)))
	mux.HandleFunc("GET /api/v1/moip/group_tx/{id}", a.authed(a.getResource(func() map[int]map[string]any { return a.groups[KindTX] })))
	mux.HandleFunc("GET /api/v1/moip/group_rx/{id}", a.authed(a.getResource(func() map[int]map[string]any { return a.groups[KindRX] })))
	mux.HandleFunc("PUT /api/v1/moip/group_tx/{id}", a.authed(a.putResource("group_tx")))
	mux.HandleFunc("PUT /api/v1/moip/group_rx/{id}", a.authed(a.putResource("group_rx")))
	mux.HandleFunc("GET /api/v1/moip/unit", a.authed(a.listIDs(func() map[int]map[string]any { return a.units })))
	mux.HandleFunc("GET /api/v1/moip/unit/{id}", a.authed(a.getResource(func() map[int]map[string]any { return a.units })))
	mux.HandleFunc("PUT /api/v1/moip/unit/{id}", a.authed(a.putResource("unit")))
	mux.HandleFunc("GET /api/v1/moip/video_tx/{id}", a.authed(a.getResource(func() map[int]map[string]any { return a.videoTx })))
	mux.HandleFunc("GET /api/v1/moip/video_tx/{id}/preview", a.authed(a.handlePreview))
	mux.HandleFunc("GET /api/v1/moip/video_rx/{id}", a.authed(a.getResource(func() map[int]map[string]any { return a.videoRx })))
	mux.HandleFunc("GET /api/v1/moip/audio_tx/{id}", a.authed(a.getResource(func() map[int]map[string]any { return a.audioTx })))
	mux.HandleFunc("PUT /api/v1/moip/video_rx/{id}", a.authed(a.putResource("video_rx")))

	a.srv = httptest.NewTLSServer(mux)
	t.Cleanup(a.Close)
	return a
}

func (a *fakeAPI) Close() {
	a.mu.Lock()
	for _, c := range a.streams {
		c.Close()
	}
	a.streams = nil
	a.mu.Unlock()
	a.srv.Close()
}

func (a *fakeAPI) port() int {
	_, p, _ := net.SplitHostPort(a.srv.Listener.Addr().String())
	port, _ := strconv.Atoi(p)
	return port
}

func (a *fakeAPI) settings() Settings {
	return Settings{
		Host:    "127.0.0.1",
		APIPort: a.port(),
		API:     Credentials{Username: a.username, Password: a.password},
	}
}

// addDevice registers a group, its unit and its video resource. Transmitters
// also get an audio_tx resource numbered videoID+1000.
func (a *fakeAPI) addDevice(kind Kind, groupID, index, unitID, videoID int, name, groupType, ip, model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groups[kind][groupID] = map[string]any{
		"id":           groupID,
		"settings":     map[string]any{"index": index, "name": name, "type": groupType},
		"associations": map[string]any{"unit": unitID, "video_" + string(kind): videoID, "ir_" + string(kind): nil},
	}
	if kind == KindTX {
		a.groups[kind][groupID]["associations"].(map[string]any)["audio_tx"] = videoID + 1000
		a.audioTx[videoID+1000] = map[string]any{
			"id":     videoID + 1000,
			"status": map[string]any{"format": "PCM", "sample_rate": 48000, "channels": 2, "source": "hdmi", "state": "streaming"},
		}
	}
	a.units[unitID] = map[string]any{
		"id":       unitID,
		"settings": map[string]any{"name": name},
		"status":   map[string]any{"ip": ip, "mac": fmt.Sprintf("00:11:22:33:44:%02x", unitID), "model": model, "firmware": "3.1.0"},
	}
	if kind == KindTX {
		a.videoTx[videoID] = map[string]any{
			"id":     videoID,
			"status": map[string]any{"resolution": "1920x1080", "frame_rate": 60, "hdcp": "2.2", "state": "streaming"},
		}
		a.previews[videoID] = []byte{0xff, 0xd8, 0xff, 0xe0}
	} else {
		a.videoRx[videoID] = map[string]any{
			"id": videoID,
			"settings": map[string]any{
				"resolution":           "auto",
				"supported_resolution": []string{"auto", "1080p60", "2160p30"},
				"hdcp":                 "auto",
				"supported_hdcp":       []string{"auto", "1.4", "2.2"},
			},
			"status": map[string]any{"state": "streaming"},
		}
	}
}

// revokeTokens invalidates every issued token, as a controller restart would.
func (a *fakeAPI) revokeTokens() {
	a.mu.Lock()
	a.validTok = make(map[string]bool)
	a.mu.Unlock()
}

func (a *fakeAPI) loginCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logins
}

func (a *fakeAPI) putLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.puts...)
}

// push sends an event to every open stream.
func (a *fakeAPI) push(ev RestEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.streams {
		if err := c.WriteJSON(ev); err != nil {
			a.t.Logf("push: %v", err)
		}
	}
}

// accept returns the Accept header of the last request to path.
func (a *fakeAPI) accept(path string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accepts[path]
}

func (a *fakeAPI) streamCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}

func (a *fakeAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logins++
	if body.Username != a.username || body.Password != a.password {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}
	a.tokenSeq++
	tok := fmt.Sprintf("token-%d", a.tokenSeq)
	a.validTok[tok] = true
	writeJSON(w, map[string]any{"accessToken": tok, "expiresIn": a.expiresIn})
}

func (a *fakeAPI) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		a.mu.Lock()
		ok := a.validTok[tok]
		a.accepts[r.URL.Path] = r.Header.Get("Accept")
		a.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (a *fakeAPI) handleJSON(fn func(*http.Request) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, fn(r))
	}
}

func (a *fakeAPI) listGroups(kind Kind) http.HandlerFunc {
	return a.listIDs(func() map[int]map[string]any { return a.groups[kind] })
}

func (a *fakeAPI) listIDs(src func() map[int]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		ids := make([]int, 0)
		for id := range src() {
			ids = append(ids, id)
		}
		a.mu.Unlock()
		writeJSON(w, map[string]any{"items": ids})
	}
}

func (a *fakeAPI) getResource(src func() map[int]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(r.PathValue("id"))
		a.mu.Lock()
		res, ok := src()[id]
		var data []byte
		if ok {
			data, _ = json.Marshal(res)
		}
		a.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func (a *fakeAPI) putResource(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		settings, _ := json.Marshal(body["settings"])
		a.mu.Lock()
		a.puts = append(a.puts, fmt.Sprintf("%s/%s %s", kind, r.PathValue("id"), settings))
		a.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (a *fakeAPI) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))
	a.mu.Lock()
	img, ok := a.previews[id]
	a.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(img)
}

var testUpgrader = websocket.Upgrader{}

func (a *fakeAPI) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.streams = append(a.streams, conn)
	answer := a.answerPings
	a.mu.Unlock()
	if answer {
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

// dropStreams closes every open event stream.
func (a *fakeAPI) dropStreams() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.streams {
		c.Close()
	}
	a.streams = nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
