package moip

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// serialRingSize is the number of serial messages kept per device.
const serialRingSize = 32

// ChangeKind classifies a state change notification.
type ChangeKind string

const (
	ChangeRouting    ChangeKind = "routing"
	ChangeDevice     ChangeKind = "device"
	ChangeSerial     ChangeKind = "serial"
	ChangeConnection ChangeKind = "connection"
	ChangeSnapshot   ChangeKind = "snapshot"
)

// Change is a state-change notification delivered to subscribers. Routing
// changes always carry the complete table.
type Change struct {
	EventID    uuid.UUID         `json:"event_id"`
	Kind       ChangeKind        `json:"kind"`
	At         time.Time         `json:"at"`
	Source     Source            `json:"source,omitempty"`
	Routes     []Route           `json:"routes,omitempty"`
	Devices    []Device          `json:"devices,omitempty"`
	Serial     *SerialMessage    `json:"serial,omitempty"`
	Connection *ConnectionChange `json:"connection,omitempty"`
}

// Snapshot is an immutable copy of the cache contents.
type Snapshot struct {
	Devices  []Device  `json:"devices"`
	Routing  []Route   `json:"routing"`
	TXCount  int       `json:"tx_count"`
	RXCount  int       `json:"rx_count"`
	SyncedAt time.Time `json:"synced_at,omitzero"`
	Stale    bool      `json:"stale"`
	Version  uint64    `json:"version"`
}

// cacheState is published whole and never modified after publication.
type cacheState struct {
	devices  map[DeviceKey]Device
	routes   map[int]Route
	txCount  int
	rxCount  int
	syncedAt time.Time
	stale    bool
	version  uint64
}

func (s *cacheState) clone() *cacheState {
	n := *s
	n.devices = make(map[DeviceKey]Device, len(s.devices))
	for k, d := range s.devices {
		n.devices[k] = d
	}
	n.routes = make(map[int]Route, len(s.routes))
	for rx, r := range s.routes {
		n.routes[rx] = r
	}
	n.version++
	return &n
}

// StateCache is the in-memory view of devices and routing.
//
// Thread Safety:
//   - Reads are lock-free and return copies.
//   - apply must only be called from one goroutine, the dispatcher. Each
//     mutation builds a new state and swaps it in atomically.
type StateCache struct {
	state atomic.Pointer[cacheState]

	serialMu sync.Mutex
	serial   map[DeviceKey][]SerialMessage

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

// NewStateCache returns an empty cache flagged stale until the first
// resynchronisation.
func NewStateCache() *StateCache {
	c := &StateCache{
		serial: make(map[DeviceKey][]SerialMessage),
		subs:   make(map[*Subscription]struct{}),
	}
	c.state.Store(&cacheState{
		devices: make(map[DeviceKey]Device),
		routes:  make(map[int]Route),
		stale:   true,
	})
	return c
}

// Snapshot returns a consistent copy of devices and routing.
func (c *StateCache) Snapshot() Snapshot {
	s := c.state.Load()
	return Snapshot{
		Devices:  s.deviceList(),
		Routing:  s.routeList(),
		TXCount:  s.txCount,
		RXCount:  s.rxCount,
		SyncedAt: s.syncedAt,
		Stale:    s.stale,
		Version:  s.version,
	}
}

// Devices returns all known devices ordered by kind then index.
func (c *StateCache) Devices() []Device {
	return c.state.Load().deviceList()
}

// Routing returns one route per receiver ordered by rx index.
func (c *StateCache) Routing() []Route {
	return c.state.Load().routeList()
}

// Device returns one device.
func (c *StateCache) Device(key DeviceKey) (Device, bool) {
	d, ok := c.state.Load().devices[key]
	return d, ok
}

// Stale reports whether the cache may not reflect the controller.
func (c *StateCache) Stale() bool {
	return c.state.Load().stale
}

// SerialMessages returns the buffered serial messages received from a device,
// oldest first.
func (c *StateCache) SerialMessages(key DeviceKey) []SerialMessage {
	c.serialMu.Lock()
	defer c.serialMu.Unlock()
	return append([]SerialMessage(nil), c.serial[key]...)
}

func (s *cacheState) deviceList() []Device {
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == KindTX
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func (s *cacheState) routeList() []Route {
	out := make([]Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RX < out[j].RX })
	return out
}

// apply folds one event into the cache and notifies subscribers.
func (c *StateCache) apply(ev Event) {
	var change *Change
	switch ev.Type {
	case EventRouting:
		change = c.applyRouting(ev)
	case EventSwitch:
		change = c.applySwitch(ev)
	case EventSnapshot:
		change = c.applySnapshot(ev)
	case EventDevice:
		change = c.applyDevice(ev)
	case EventSerial:
		change = c.applySerial(ev)
	case EventConnection:
		change = c.applyConnection(ev)
	}
	if change != nil {
		change.EventID = ev.ID
		change.At = ev.Received
		c.publish(*change)
	}
}

// mergeRouting builds a complete table from assignments. Receivers not
// mentioned are unassigned. A local switch confirmed after the table
// arrived is kept; otherwise the controller's table wins.
func mergeRouting(prev map[int]Route, rxCount int, assignments []Assignment, at time.Time, source Source) map[int]Route {
	routes := make(map[int]Route, rxCount)
	for rx := 1; rx <= rxCount; rx++ {
		routes[rx] = Route{RX: rx, TX: 0, UpdatedAt: at, Source: source}
	}
	for _, a := range assignments {
		if a.RX <= 0 {
			continue
		}
		routes[a.RX] = Route{RX: a.RX, TX: a.TX, UpdatedAt: at, Source: source}
	}
	for rx, old := range prev {
		if old.Source == SourceLocal && old.UpdatedAt.After(at) {
			routes[rx] = old
		}
	}
	return routes
}

func routesEqual(a, b map[int]Route) bool {
	if len(a) != len(b) {
		return false
	}
	for rx, r := range a {
		if o, ok := b[rx]; !ok || o.TX != r.TX {
			return false
		}
	}
	return true
}

func (c *StateCache) applyRouting(ev Event) *Change {
	prev := c.state.Load()
	next := prev.clone()
	next.routes = mergeRouting(prev.routes, prev.rxCount, ev.Routing, ev.Received, ev.Source)
	c.state.Store(next)

	if routesEqual(prev.routes, next.routes) {
		return nil
	}
	return &Change{Kind: ChangeRouting, Source: ev.Source, Routes: next.routeList()}
}

func (c *StateCache) applySwitch(ev Event) *Change {
	if ev.Switch == nil || ev.Switch.RX <= 0 {
		return nil
	}
	prev := c.state.Load()
	// A controller table that arrived at or after the acknowledgement wins.
	if old, ok := prev.routes[ev.Switch.RX]; ok && old.Source != SourceLocal && !old.UpdatedAt.Before(ev.Received) {
		return nil
	}
	next := prev.clone()
	next.routes[ev.Switch.RX] = Route{RX: ev.Switch.RX, TX: ev.Switch.TX, UpdatedAt: ev.Received, Source: SourceLocal}
	c.state.Store(next)

	if old, ok := prev.routes[ev.Switch.RX]; ok && old.TX == ev.Switch.TX {
		return nil
	}
	return &Change{Kind: ChangeRouting, Source: SourceLocal, Routes: next.routeList()}
}

// applySnapshot replaces inventory and routing after a resynchronisation.
// Known devices missing from the inventory are kept and marked offline.
func (c *StateCache) applySnapshot(ev Event) *Change {
	inv := ev.Snapshot
	if inv == nil {
		return nil
	}
	prev := c.state.Load()
	next := prev.clone()
	next.txCount = inv.TXCount
	next.rxCount = inv.RXCount

	devices := make(map[DeviceKey]Device, len(prev.devices)+len(inv.Devices))
	for k, d := range prev.devices {
		d.Online = false
		devices[k] = d
	}
	for _, d := range inv.Devices {
		if d.Online {
			d.LastSeen = ev.Received
		} else if old, ok := prev.devices[d.Key()]; ok {
			d.LastSeen = old.LastSeen
		}
		devices[d.Key()] = d
	}
	next.devices = devices
	next.routes = mergeRouting(prev.routes, inv.RXCount, inv.Routing, ev.Received, SourceLine)
	next.syncedAt = ev.Received
	next.stale = false
	c.state.Store(next)

	return &Change{Kind: ChangeSnapshot, Source: SourceLine, Routes: next.routeList(), Devices: next.deviceList()}
}

func (c *StateCache) applyDevice(ev Event) *Change {
	p := ev.Device
	if p == nil {
		return nil
	}
	prev := c.state.Load()

	key, found := p.Key, false
	if p.UnitRef != 0 {
		for k, d := range prev.devices {
			if d.UnitID != nil && *d.UnitID == p.UnitRef {
				key, found = k, true
				break
			}
		}
		if !found {
			return nil
		}
	}
	if key.Index <= 0 {
		return nil
	}

	d, ok := prev.devices[key]
	if !ok {
		d = Device{Kind: key.Kind, Index: key.Index, Subtype: SubtypeAV}
	}
	updated := p.applyTo(d, ev.Received)
	if ok && devicesEqual(updated, d) {
		return nil
	}

	next := prev.clone()
	next.devices[key] = updated
	c.state.Store(next)
	return &Change{Kind: ChangeDevice, Source: ev.Source, Devices: []Device{updated}}
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func devicesEqual(a, b Device) bool {
	if !intPtrEqual(a.UnitID, b.UnitID) || !intPtrEqual(a.GroupID, b.GroupID) {
		return false
	}
	a.UnitID, a.GroupID, b.UnitID, b.GroupID = nil, nil, nil, nil
	return a == b
}

func (c *StateCache) applySerial(ev Event) *Change {
	if ev.Serial == nil {
		return nil
	}
	msg := *ev.Serial
	c.serialMu.Lock()
	ring := append(c.serial[msg.Device], msg)
	if len(ring) > serialRingSize {
		ring = append([]SerialMessage(nil), ring[len(ring)-serialRingSize:]...)
	}
	c.serial[msg.Device] = ring
	c.serialMu.Unlock()
	return &Change{Kind: ChangeSerial, Source: ev.Source, Serial: &msg}
}

// applyConnection flags the cache stale when the line transport, which
// carries routing, stops being usable.
func (c *StateCache) applyConnection(ev Event) *Change {
	conn := ev.Connection
	if conn == nil {
		return nil
	}
	if conn.Transport == "line" && !conn.State.Usable() {
		prev := c.state.Load()
		if !prev.stale {
			next := prev.clone()
			next.stale = true
			c.state.Store(next)
		}
	}
	return &Change{Kind: ChangeConnection, Connection: conn}
}

// Subscription delivers changes on C until Close. Changes that do not fit
// in the buffer are dropped and counted.
type Subscription struct {
	C <-chan Change

	ch      chan Change
	cache   *StateCache
	once    sync.Once
	dropped atomic.Uint64
}

// Subscribe registers a change listener with the given buffer size.
func (c *StateCache) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	s := &Subscription{C: ch, ch: ch, cache: c}
	c.subsMu.Lock()
	c.subs[s] = struct{}{}
	c.subsMu.Unlock()
	return s
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cache.subsMu.Lock()
		delete(s.cache.subs, s)
		close(s.ch)
		s.cache.subsMu.Unlock()
	})
}

// Dropped returns the number of changes discarded because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (c *StateCache) publish(ch Change) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for s := range c.subs {
		select {
		case s.ch <- ch:
		default:
			s.dropped.Add(1)
		}
	}
}
