package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bbellwfu/moip-manager/internal/bridges/moip"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.instrument)
	r.Use(s.cors)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/status", s.handleStatus)
		r.Post("/resync", s.handleResync)
		r.Get("/controller/{topic}", s.handleControllerInfo)

		r.Get("/devices", s.handleListDevices)
		r.Get("/routing", s.handleRouting)
		r.Post("/switch", s.handleSwitch)
		r.Post("/raw", s.handleRaw)

		r.Route("/transmitters/{index}", func(r chi.Router) {
			r.Put("/name", s.handleRename(moip.KindTX))
			r.Get("/preview", s.handlePreview)
			r.Get("/video", s.handleVideoTx)
			r.Get("/audio", s.handleAudioTx)
			r.Get("/serial", s.handleSerialHistory(moip.KindTX))
			r.Post("/serial", s.handleSendSerial(moip.KindTX))
			r.Post("/ir", s.handleSendIR(moip.KindTX))
		})

		r.Route("/receivers/{index}", func(r chi.Router) {
			r.Put("/name", s.handleRename(moip.KindRX))
			r.Post("/unassign", s.handleUnassign)
			r.Put("/resolution", s.handleSetResolution)
			r.Put("/hdcp", s.handleSetHDCP)
			r.Get("/video", s.handleVideoRx)
			r.Post("/cec/{action}", s.handleCEC)
			r.Get("/serial", s.handleSerialHistory(moip.KindRX))
			r.Post("/serial", s.handleSendSerial(moip.KindRX))
			r.Post("/ir", s.handleSendIR(moip.KindRX))
		})

		// Live state changes
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}
