package moip

import (
	"sync"
	"time"
)

// TelemetryWriter receives time-series points. *influxdb.Client implements it.
type TelemetryWriter interface {
	WriteRouting(rx, tx int, source string, at time.Time)
	WriteConnectionState(transport, state string, at time.Time)
	WriteDeviceOnline(kind string, index int, online bool, at time.Time)
}

// Recorder writes routing, connection and online transitions to a
// time-series store. Only transitions are written; repeated snapshots with
// unchanged values produce no points.
type Recorder struct {
	writer TelemetryWriter
	logger Logger

	routes map[int]int
	online map[DeviceKey]bool

	sub      *Subscription
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRecorder creates a recorder that writes to w.
func NewRecorder(w TelemetryWriter, logger Logger) *Recorder {
	return &Recorder{
		writer: w,
		logger: loggerOrNop(logger),
		routes: make(map[int]int),
		online: make(map[DeviceKey]bool),
		done:   make(chan struct{}),
	}
}

// Start consumes changes from sub until Stop is called or sub is closed.
func (r *Recorder) Start(sub *Subscription) {
	r.sub = sub
	r.wg.Add(1)
	go r.run()
}

// Stop closes the subscription and waits for the writer goroutine.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		if r.sub != nil {
			r.sub.Close()
		}
		r.wg.Wait()
		if r.sub != nil && r.sub.Dropped() > 0 {
			r.logger.Warn("telemetry recorder dropped changes", "dropped", r.sub.Dropped())
		}
	})
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case ch, ok := <-r.sub.C:
			if !ok {
				return
			}
			r.record(ch)
		}
	}
}

func (r *Recorder) record(ch Change) {
	switch ch.Kind {
	case ChangeRouting:
		r.recordRoutes(ch.Routes, ch.At)
	case ChangeSnapshot:
		r.recordRoutes(ch.Routes, ch.At)
		r.recordDevices(ch.Devices, ch.At)
	case ChangeDevice:
		r.recordDevices(ch.Devices, ch.At)
	case ChangeConnection:
		if ch.Connection != nil {
			r.writer.WriteConnectionState(ch.Connection.Transport, ch.Connection.State.String(), ch.At)
		}
	}
}

func (r *Recorder) recordRoutes(routes []Route, at time.Time) {
	for _, rt := range routes {
		if prev, ok := r.routes[rt.RX]; ok && prev == rt.TX {
			continue
		}
		r.routes[rt.RX] = rt.TX
		r.writer.WriteRouting(rt.RX, rt.TX, string(rt.Source), at)
	}
}

func (r *Recorder) recordDevices(devices []Device, at time.Time) {
	for _, d := range devices {
		key := d.Key()
		if prev, ok := r.online[key]; ok && prev == d.Online {
			continue
		}
		r.online[key] = d.Online
		r.writer.WriteDeviceOnline(string(d.Kind), d.Index, d.Online, at)
	}
}
