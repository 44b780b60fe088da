package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bbellwfu/moip-manager/internal/bridges/moip"
	"github.com/bbellwfu/moip-manager/internal/infrastructure/config"
	"github.com/bbellwfu/moip-manager/internal/infrastructure/logging"
)

// Client request types.
const (
	wsSubscribe   = "subscribe"
	wsUnsubscribe = "unsubscribe"
	wsPing        = "ping"
)

// Server frame types.
const (
	wsFrameAck      = "ack"
	wsFramePong     = "pong"
	wsFrameChange   = "change"
	wsFrameSnapshot = "snapshot"
	wsFrameError    = "error"
)

// wsSendBufferSize is the per-client outbound frame buffer.
const wsSendBufferSize = 256

// wsChannels are the change kinds a client can subscribe to.
var wsChannels = []moip.ChangeKind{
	moip.ChangeRouting,
	moip.ChangeDevice,
	moip.ChangeSerial,
	moip.ChangeConnection,
	moip.ChangeSnapshot,
}

// wsRequest is a message from a client. A subscribe may narrow routing
// changes to receivers, and device and serial changes to receivers and
// transmitters. A list given on a later subscribe replaces the earlier one.
type wsRequest struct {
	Type         string            `json:"type"`
	ID           string            `json:"id,omitempty"`
	Channels     []moip.ChangeKind `json:"channels,omitempty"`
	Receivers    []int             `json:"receivers,omitempty"`
	Transmitters []int             `json:"transmitters,omitempty"`
}

// wsFrame is a message to a client.
type wsFrame struct {
	Type     string            `json:"type"`
	ID       string            `json:"id,omitempty"`
	Channels []moip.ChangeKind `json:"channels,omitempty"`
	Change   *moip.Change      `json:"change,omitempty"`
	Snapshot *moip.Snapshot    `json:"snapshot,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// changeFilter selects what a client receives. An empty index set matches
// every device of that kind.
type changeFilter struct {
	kinds        map[moip.ChangeKind]bool
	receivers    map[int]bool
	transmitters map[int]bool
}

func (f *changeFilter) wantsDevice(kind moip.Kind, index int) bool {
	set := f.receivers
	if kind == moip.KindTX {
		set = f.transmitters
	}
	return len(set) == 0 || set[index]
}

func (f *changeFilter) wantsRoute(r moip.Route) bool {
	return len(f.receivers) == 0 || f.receivers[r.RX]
}

// match narrows ch to the selected devices and reports whether anything
// is left to send. The shared slices of ch are never modified.
func (f *changeFilter) match(ch moip.Change) (moip.Change, bool) {
	if !f.kinds[ch.Kind] {
		return ch, false
	}
	switch ch.Kind {
	case moip.ChangeRouting:
		ch.Routes = keep(ch.Routes, f.wantsRoute)
		return ch, len(ch.Routes) > 0
	case moip.ChangeDevice:
		ch.Devices = keep(ch.Devices, func(d moip.Device) bool { return f.wantsDevice(d.Kind, d.Index) })
		return ch, len(ch.Devices) > 0
	case moip.ChangeSerial:
		return ch, ch.Serial != nil && f.wantsDevice(ch.Serial.Device.Kind, ch.Serial.Device.Index)
	}
	return ch, true
}

func (f *changeFilter) narrow(s moip.Snapshot) moip.Snapshot {
	s.Devices = keep(s.Devices, func(d moip.Device) bool { return f.wantsDevice(d.Kind, d.Index) })
	s.Routing = keep(s.Routing, f.wantsRoute)
	return s
}

// wantsState reports whether the filter covers cached state, so a fresh
// subscriber needs a snapshot to start from.
func (f *changeFilter) wantsState() bool {
	return f.kinds[moip.ChangeRouting] || f.kinds[moip.ChangeDevice] || f.kinds[moip.ChangeSnapshot]
}

func (f *changeFilter) channels() []moip.ChangeKind {
	out := make([]moip.ChangeKind, 0, len(f.kinds))
	for _, k := range wsChannels {
		if f.kinds[k] {
			out = append(out, k)
		}
	}
	return out
}

func keep[T any](in []T, want func(T) bool) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if want(v) {
			out = append(out, v)
		}
	}
	return out
}

func indexSet(indices []int) (map[int]bool, error) {
	set := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i <= 0 {
			return nil, fmt.Errorf("index must be positive, got %d", i)
		}
		set[i] = true
	}
	return set, nil
}

// SnapshotFunc returns the current cached state.
type SnapshotFunc func() (moip.Snapshot, error)

// Hub fans controller changes out to WebSocket clients, each through its
// own filter.
type Hub struct {
	cfg      config.WebSocketConfig
	logger   *logging.Logger
	snapshot SnapshotFunc

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub that seeds new subscribers from snapshot.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, snapshot SnapshotFunc) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		snapshot: snapshot,
		clients:  make(map[*wsClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

// Publish delivers ch to every client whose filter matches it.
func (h *Hub) Publish(ch moip.Change) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.publish(ch)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns how many change frames were queued and how many were
// dropped for slow clients.
func (h *Hub) Stats() (delivered, dropped uint64) {
	return h.delivered.Load(), h.dropped.Load()
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// wsClient is one WebSocket connection.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// mu guards filter and orders queued frames, so a snapshot is never
	// queued behind a change it already contains.
	mu     sync.Mutex
	filter changeFilter
}

func newWSClient(hub *Hub, conn *websocket.Conn) *wsClient {
	return &wsClient{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		done:   make(chan struct{}),
		filter: changeFilter{kinds: make(map[moip.ChangeKind]bool)},
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) publish(ch moip.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	narrowed, ok := c.filter.match(ch)
	if !ok {
		return
	}
	if c.enqueue(wsFrame{Type: wsFrameChange, Change: &narrowed}) {
		c.hub.delivered.Add(1)
	}
}

// enqueue queues f without blocking. A full buffer drops the frame.
func (c *wsClient) enqueue(f wsFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.hub.logger.Error("failed to encode websocket frame", "type", f.Type, "error", err)
		return false
	}
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	default:
		c.hub.dropped.Add(1)
		c.hub.logger.Warn("websocket client too slow, frame dropped", "type", f.Type)
		return false
	}
}

// upgrader accepts every origin; browser origins are checked by the CORS
// middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection. Clients receive nothing until
// they subscribe.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn)
	s.hub.add(c)
	go c.writeLoop()
	go c.readLoop()
}

func (c *wsClient) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	cfg := c.hub.cfg
	readWait := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck // Read fails on a broken conn
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers that ignore protocol pings stay alive by talking.
		c.conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck // Read fails on a broken conn
		c.handle(data)
	}
}

func (c *wsClient) writeLoop() {
	cfg := c.hub.cfg
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait)) //nolint:errcheck // Best-effort close
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Write reports the failure
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(wsFrame{Type: wsFrameError, Error: "invalid JSON message"})
		return
	}

	switch req.Type {
	case wsSubscribe:
		c.subscribe(req)
	case wsUnsubscribe:
		c.unsubscribe(req)
	case wsPing:
		c.reply(wsFrame{Type: wsFramePong, ID: req.ID})
	default:
		c.reply(wsFrame{Type: wsFrameError, ID: req.ID, Error: "unknown message type: " + req.Type})
	}
}

func (c *wsClient) reply(f wsFrame) {
	c.mu.Lock()
	c.enqueue(f)
	c.mu.Unlock()
}

func (c *wsClient) subscribe(req wsRequest) {
	if err := checkChannels(req.Channels); err != nil {
		c.reply(wsFrame{Type: wsFrameError, ID: req.ID, Error: err.Error()})
		return
	}
	receivers, err := indexSet(req.Receivers)
	if err != nil {
		c.reply(wsFrame{Type: wsFrameError, ID: req.ID, Error: "receivers: " + err.Error()})
		return
	}
	transmitters, err := indexSet(req.Transmitters)
	if err != nil {
		c.reply(wsFrame{Type: wsFrameError, ID: req.ID, Error: "transmitters: " + err.Error()})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range req.Channels {
		c.filter.kinds[k] = true
	}
	if req.Receivers != nil {
		c.filter.receivers = receivers
	}
	if req.Transmitters != nil {
		c.filter.transmitters = transmitters
	}
	c.enqueue(wsFrame{Type: wsFrameAck, ID: req.ID, Channels: c.filter.channels()})

	if !c.filter.wantsState() || c.hub.snapshot == nil {
		return
	}
	snap, err := c.hub.snapshot()
	if err != nil && !errors.Is(err, moip.ErrStale) {
		c.enqueue(wsFrame{Type: wsFrameError, ID: req.ID, Error: "snapshot unavailable: " + err.Error()})
		return
	}
	snap = c.filter.narrow(snap)
	c.enqueue(wsFrame{Type: wsFrameSnapshot, ID: req.ID, Snapshot: &snap})
}

func (c *wsClient) unsubscribe(req wsRequest) {
	if err := checkChannels(req.Channels); err != nil {
		c.reply(wsFrame{Type: wsFrameError, ID: req.ID, Error: err.Error()})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range req.Channels {
		delete(c.filter.kinds, k)
	}
	c.enqueue(wsFrame{Type: wsFrameAck, ID: req.ID, Channels: c.filter.channels()})
}

func checkChannels(channels []moip.ChangeKind) error {
	if len(channels) == 0 {
		return errors.New("no channels given")
	}
	for _, k := range channels {
		if !slices.Contains(wsChannels, k) {
			return fmt.Errorf("unknown channel: %s", k)
		}
	}
	return nil
}
