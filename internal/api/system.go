package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bbellwfu/moip-manager/internal/bridges/moip"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Stale      bool                   `json:"stale"`
	Transports []moip.TransportStatus `json:"transports"`
}

// handleHealth reports "ok" when every transport is READY and the cache is
// current, "degraded" otherwise. The HTTP status is 200 either way so the
// process itself is not restarted over a controller outage.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.ctrl.Status()
	status := "ok"
	if st.Stale {
		status = "degraded"
	}
	for _, t := range st.Transports {
		if t.State != moip.StateReady {
			status = "degraded"
		}
	}
	transports := st.Transports
	if transports == nil {
		transports = []moip.TransportStatus{}
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     status,
		Version:    s.version,
		Stale:      st.Stale,
		Transports: transports,
	})
}

// handleStatus returns the full status summary.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleResync forces a full resynchronisation.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resync(r.Context()); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

// handleControllerInfo passes a controller information resource through
// unchanged.
func (s *Server) handleControllerInfo(w http.ResponseWriter, r *http.Request) {
	topic := moip.InfoTopic(chi.URLParam(r, "topic"))
	raw, err := s.ctrl.ControllerInfo(r.Context(), topic)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw) //nolint:errcheck // Best-effort write to response
}
