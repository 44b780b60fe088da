package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/bbellwfu/moip-manager/internal/bridges/moip"
)

// SystemMetrics is the body of GET /metrics.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	HTTP          HTTPMetrics     `json:"http"`
	WebSocket     WSMetrics       `json:"websocket"`
	MQTT          *MQTTMetrics    `json:"mqtt,omitempty"`
	Controller    ControllerStats `json:"controller"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// HTTPMetrics counts served requests by outcome.
type HTTPMetrics struct {
	Requests     uint64 `json:"requests"`
	ClientErrors uint64 `json:"client_errors"`
	ServerErrors uint64 `json:"server_errors"`
	Panics       uint64 `json:"panics"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	FramesDelivered  uint64 `json:"frames_delivered"`
	FramesDropped    uint64 `json:"frames_dropped"`
}

// MQTTMetrics contains broker connection status.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// ControllerStats summarises the communication layer counters.
type ControllerStats struct {
	LineRequests  uint64 `json:"line_requests"`
	LineErrors    uint64 `json:"line_errors"`
	Violations    uint64 `json:"protocol_violations"`
	RestRequests  uint64 `json:"rest_requests"`
	RestErrors    uint64 `json:"rest_errors"`
	Logins        uint64 `json:"logins"`
	EventsDropped uint64 `json:"events_dropped"`
	Reconnects    uint64 `json:"reconnects"`
	Resyncs       uint64 `json:"resyncs"`
	Enumerations  uint64 `json:"enumerations"`
}

func controllerStats(st moip.Status) ControllerStats {
	cs := ControllerStats{
		LineRequests:  st.Line.Requests,
		LineErrors:    st.Line.Errors,
		Violations:    st.Line.Violations + st.Dispatcher.Violations,
		EventsDropped: st.Line.EventsDropped,
		Resyncs:       st.Resyncs,
		Enumerations:  st.Enumerations,
	}
	if st.Rest != nil {
		cs.RestRequests = st.Rest.Requests
		cs.RestErrors = st.Rest.Errors
		cs.Logins = st.Rest.Logins
		cs.EventsDropped += st.Rest.EventsDropped
	}
	for _, t := range st.Transports {
		cs.Reconnects += t.Reconnects
	}
	return cs
}

// handleMetrics returns runtime and communication layer metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	delivered, dropped := s.hub.Stats()

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		HTTP: HTTPMetrics{
			Requests:     s.requests.total.Load(),
			ClientErrors: s.requests.clientErrors.Load(),
			ServerErrors: s.requests.serverErrors.Load(),
			Panics:       s.requests.panics.Load(),
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			FramesDelivered:  delivered,
			FramesDropped:    dropped,
		},
		Controller: controllerStats(s.ctrl.Status()),
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}

	writeJSON(w, http.StatusOK, metrics)
}
