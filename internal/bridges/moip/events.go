package moip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an event on the dispatcher queue.
type EventType string

const (
	EventRouting    EventType = "routing"    // complete routing table
	EventSwitch     EventType = "switch"     // confirmed local switch
	EventSnapshot   EventType = "snapshot"   // resynchronised inventory and routing
	EventDevice     EventType = "device"     // device attribute update
	EventSerial     EventType = "serial"     // serial data received from a device
	EventConnection EventType = "connection" // transport state transition
)

// Event is the single typed union carried by the dispatcher queue. Exactly
// one payload field is set, matching Type.
type Event struct {
	ID       uuid.UUID
	Type     EventType
	Source   Source
	Received time.Time

	Routing    []Assignment
	Switch     *Assignment
	Snapshot   *Inventory
	Device     *DevicePatch
	Serial     *SerialMessage
	Connection *ConnectionChange

	done chan struct{}
}

// SerialMessage is one ~Serial payload.
type SerialMessage struct {
	Device   DeviceKey `json:"device"`
	Data     []byte    `json:"data"`
	Received time.Time `json:"received"`
}

// MarshalJSON renders the payload in the controller's hex notation.
func (m SerialMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind     Kind      `json:"kind"`
		Index    int       `json:"index"`
		Data     string    `json:"data"`
		Received time.Time `json:"received"`
	}{m.Device.Kind, m.Device.Index, EncodeHexBytes(m.Data), m.Received})
}

// Inventory is the result of a full resynchronisation.
type Inventory struct {
	TXCount int
	RXCount int
	Devices []Device
	Routing []Assignment
}

// ConnectionChange reports a transport state transition.
type ConnectionChange struct {
	Transport string          `json:"transport"`
	State     ConnectionState `json:"state"`
	Error     string          `json:"error,omitempty"`
}

// DevicePatch updates selected attributes of one device. The device is
// addressed by Key, or by REST unit id when UnitRef is set.
type DevicePatch struct {
	Key     DeviceKey
	UnitRef int

	Name    *string
	Online  *bool
	Subtype *Subtype
	UnitID  *int
	GroupID *int
	Unit    *UnitStatus
}

func (p DevicePatch) applyTo(d Device, at time.Time) Device {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Subtype != nil {
		d.Subtype = *p.Subtype
	}
	if p.UnitID != nil && (d.UnitID == nil || *d.UnitID != *p.UnitID) {
		id := *p.UnitID
		d.UnitID = &id
	}
	if p.GroupID != nil && (d.GroupID == nil || *d.GroupID != *p.GroupID) {
		id := *p.GroupID
		d.GroupID = &id
	}
	if p.Unit != nil {
		d.Model = p.Unit.Model
		d.MAC = p.Unit.MAC
		d.IP = p.Unit.IP
		d.Firmware = p.Unit.Firmware
		online := p.Unit.Online()
		if p.Online == nil {
			p.Online = &online
		}
	}
	if p.Online != nil {
		d.Online = *p.Online
		if d.Online {
			d.LastSeen = at
		}
	}
	return d
}

// DecodeFrame converts a broadcast frame into an event. ok is false for
// broadcasts the cache has no use for.
func DecodeFrame(f Frame) (ev Event, ok bool, err error) {
	if f.Kind != FrameBroadcast {
		return Event{}, false, nil
	}
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}

	switch f.Name {
	case "Receivers":
		assignments, err := parseAssignments(f.Value)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Type: EventRouting, Source: SourceLine, Received: at, Routing: assignments}, true, nil
	case "Serial":
		key, data, err := parseSerialValue(f.Value)
		if err != nil {
			return Event{}, false, err
		}
		msg := &SerialMessage{Device: key, Data: data, Received: at}
		return Event{Type: EventSerial, Source: SourceLine, Received: at, Serial: msg}, true, nil
	}
	return Event{}, false, nil
}

// DecodeRestEvent converts a management-plane change event.
func DecodeRestEvent(re RestEvent, at time.Time) (Event, error) {
	violation := func(reason string) error {
		return &ProtocolViolation{Line: fmt.Sprintf("%s/%s %d", re.Type, re.Action, re.ID), Reason: reason}
	}

	switch re.Type {
	case RestEventGroupTX, RestEventGroupRX:
		kind := KindTX
		if re.Type == RestEventGroupRX {
			kind = KindRX
		}
		var g Group
		if err := json.Unmarshal(re.Data, &g); err != nil {
			return Event{}, violation("undecodable group")
		}
		if g.Settings.Index == nil || *g.Settings.Index <= 0 {
			return Event{}, violation("group without index")
		}
		if g.ID == 0 {
			g.ID = re.ID
		}
		p := &DevicePatch{Key: DeviceKey{Kind: kind, Index: *g.Settings.Index}, GroupID: &g.ID}
		if re.Action == "delete" {
			offline := false
			p.Online = &offline
		} else {
			name := g.Settings.Name
			p.Name = &name
			if unit, ok := g.Associations.ID("unit"); ok {
				p.UnitID = &unit
			}
			if g.Settings.Type != "" {
				st := determineSubtype(g.Settings.Type, "")
				p.Subtype = &st
			}
		}
		return Event{Type: EventDevice, Source: SourceREST, Received: at, Device: p}, nil

	case RestEventUnit:
		var u Unit
		if err := json.Unmarshal(re.Data, &u); err != nil {
			return Event{}, violation("undecodable unit")
		}
		if u.ID == 0 {
			u.ID = re.ID
		}
		if u.ID == 0 {
			return Event{}, violation("unit without id")
		}
		p := &DevicePatch{UnitRef: u.ID}
		if re.Action == "delete" {
			offline := false
			p.Online = &offline
		} else {
			status := u.Status
			p.Unit = &status
		}
		return Event{Type: EventDevice, Source: SourceREST, Received: at, Device: p}, nil

	case RestEventRouting:
		var body struct {
			Assignments []struct {
				TX int `json:"tx"`
				RX int `json:"rx"`
			} `json:"assignments"`
		}
		if err := json.Unmarshal(re.Data, &body); err != nil {
			return Event{}, violation("undecodable routing table")
		}
		assignments := make([]Assignment, 0, len(body.Assignments))
		for _, a := range body.Assignments {
			assignments = append(assignments, Assignment{TX: a.TX, RX: a.RX})
		}
		return Event{Type: EventRouting, Source: SourceREST, Received: at, Routing: assignments}, nil
	}
	return Event{}, violation("unknown event type")
}

// DispatcherStats holds dispatcher counters.
type DispatcherStats struct {
	Processed  uint64 `json:"processed"`
	Violations uint64 `json:"violations"`
	Ignored    uint64 `json:"ignored"`
}

// Dispatcher merges line broadcasts, REST change events and internal
// submissions into one ordered queue, and is the only writer of the cache.
type Dispatcher struct {
	cache  *StateCache
	mapper *Mapper
	logger Logger
	queue  chan Event

	processed  atomic.Uint64
	violations atomic.Uint64
	ignored    atomic.Uint64

	closed *closeOnce
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher writing to cache. mapper may be nil;
// when set it is invalidated on REST group changes.
func NewDispatcher(cache *StateCache, mapper *Mapper, logger Logger) *Dispatcher {
	return &Dispatcher{
		cache:  cache,
		mapper: mapper,
		logger: loggerOrNop(logger),
		queue:  make(chan Event, eventQueueSize),
		closed: newCloseOnce(),
	}
}

// Start launches the decoders for both sources and the cache writer. Either
// source may be nil.
func (d *Dispatcher) Start(line <-chan Frame, rest <-chan RestEvent) {
	d.wg.Add(1)
	go d.writeLoop()

	if line != nil {
		d.wg.Add(1)
		go d.lineLoop(line)
	}
	if rest != nil {
		d.wg.Add(1)
		go d.restLoop(rest)
	}
}

// Stop terminates all dispatcher goroutines. Pending submissions fail with
// ErrClosed.
func (d *Dispatcher) Stop() {
	d.closed.Close()
	d.wg.Wait()
}

// Submit queues ev and waits until the cache has applied it.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Received.IsZero() {
		ev.Received = time.Now()
	}
	ev.done = make(chan struct{})

	select {
	case d.queue <- ev:
	case <-ctx.Done():
		return ctxError(string(ev.Type), ctx)
	case <-d.closed.Done():
		return ErrClosed
	}

	select {
	case <-ev.done:
		return nil
	case <-ctx.Done():
		return ctxError(string(ev.Type), ctx)
	case <-d.closed.Done():
		return ErrClosed
	}
}

// enqueue is used by the decoders; it blocks until there is room so the
// order of each source is preserved.
func (d *Dispatcher) enqueue(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	select {
	case d.queue <- ev:
	case <-d.closed.Done():
	}
}

func (d *Dispatcher) writeLoop() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.queue:
			if ev.Type == EventDevice && ev.Source == SourceREST && ev.Device != nil && ev.Device.GroupID != nil && d.mapper != nil {
				d.mapper.Invalidate()
			}
			d.cache.apply(ev)
			d.processed.Add(1)
			if ev.done != nil {
				close(ev.done)
			}
		case <-d.closed.Done():
			return
		}
	}
}

func (d *Dispatcher) lineLoop(frames <-chan Frame) {
	defer d.wg.Done()
	for {
		select {
		case f := <-frames:
			ev, ok, err := DecodeFrame(f)
			if err != nil {
				d.violations.Add(1)
				d.logger.Warn("discarding malformed broadcast", "line", f.Raw, "error", err)
				continue
			}
			if !ok {
				d.ignored.Add(1)
				d.logger.Debug("ignoring broadcast", "name", f.Name)
				continue
			}
			d.enqueue(ev)
		case <-d.closed.Done():
			return
		}
	}
}

func (d *Dispatcher) restLoop(events <-chan RestEvent) {
	defer d.wg.Done()
	for {
		select {
		case re := <-events:
			ev, err := DecodeRestEvent(re, time.Now())
			if err != nil {
				d.violations.Add(1)
				d.logger.Warn("discarding rest event", "type", re.Type, "error", err)
				continue
			}
			d.enqueue(ev)
		case <-d.closed.Done():
			return
		}
	}
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Processed:  d.processed.Load(),
		Violations: d.violations.Load(),
		Ignored:    d.ignored.Load(),
	}
}
