package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bbellwfu/moip-manager/internal/bridges/moip"
)

// staleHeader is set on snapshot reads served while the cache may be out of
// date.
const staleHeader = "X-MoIP-Stale"

// DevicesResponse is the body of GET /devices.
type DevicesResponse struct {
	Devices  []moip.Device `json:"devices"`
	TXCount  int           `json:"tx_count"`
	RXCount  int           `json:"rx_count"`
	SyncedAt time.Time     `json:"synced_at,omitzero"`
	Stale    bool          `json:"stale"`
}

// RoutingResponse is the body of GET /routing.
type RoutingResponse struct {
	Routes   []moip.Route `json:"routes"`
	SyncedAt time.Time    `json:"synced_at,omitzero"`
	Stale    bool         `json:"stale"`
}

// snapshot reads the cache. A stale snapshot is still served, flagged in
// the body and the X-MoIP-Stale header.
func (s *Server) snapshot(w http.ResponseWriter) moip.Snapshot {
	snap, _ := s.ctrl.Snapshot() //nolint:errcheck // ErrStale is reported through snap.Stale
	if snap.Stale {
		w.Header().Set(staleHeader, "true")
	}
	return snap
}

// handleListDevices returns every known transmitter and receiver.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot(w)
	devices := snap.Devices
	if devices == nil {
		devices = []moip.Device{}
	}
	writeJSON(w, http.StatusOK, DevicesResponse{
		Devices:  devices,
		TXCount:  snap.TXCount,
		RXCount:  snap.RXCount,
		SyncedAt: snap.SyncedAt,
		Stale:    snap.Stale,
	})
}

// handleRouting returns one route per receiver.
func (s *Server) handleRouting(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot(w)
	routes := snap.Routing
	if routes == nil {
		routes = []moip.Route{}
	}
	writeJSON(w, http.StatusOK, RoutingResponse{Routes: routes, SyncedAt: snap.SyncedAt, Stale: snap.Stale})
}

// handlePreview returns the transmitter's JPEG thumbnail.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	tx, ok := indexParam(w, r)
	if !ok {
		return
	}
	img, err := s.ctrl.PreviewImage(r.Context(), tx)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(img) //nolint:errcheck // Best-effort write to response
}

func (s *Server) handleVideoTx(w http.ResponseWriter, r *http.Request) {
	tx, ok := indexParam(w, r)
	if !ok {
		return
	}
	stats, err := s.ctrl.VideoTx(r.Context(), tx)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAudioTx(w http.ResponseWriter, r *http.Request) {
	tx, ok := indexParam(w, r)
	if !ok {
		return
	}
	stats, err := s.ctrl.AudioTx(r.Context(), tx)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleVideoRx(w http.ResponseWriter, r *http.Request) {
	rx, ok := indexParam(w, r)
	if !ok {
		return
	}
	settings, err := s.ctrl.VideoRx(r.Context(), rx)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleSerialHistory returns recent serial data received from a device.
func (s *Server) handleSerialHistory(kind moip.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := indexParam(w, r)
		if !ok {
			return
		}
		msgs := s.ctrl.SerialMessages(kind, index)
		if msgs == nil {
			msgs = []moip.SerialMessage{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	}
}

// indexParam parses the {index} URL parameter. Range checks are left to the
// controller so the error wording is the same on every surface.
func indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "index")
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeBadRequest(w, "device index must be an integer")
		return 0, false
	}
	return n, true
}
