package api

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type contextKey string

const ctxKeyRequestID contextKey = "request_id"

// maxRequestBodySize caps request bodies. Serial and IR payloads are the
// largest legitimate bodies by far.
const maxRequestBodySize = 1 << 20

// requestCounters feed the http section of /metrics.
type requestCounters struct {
	total        atomic.Uint64
	clientErrors atomic.Uint64
	serverErrors atomic.Uint64
	panics       atomic.Uint64
}

func (c *requestCounters) observe(status int) {
	c.total.Add(1)
	switch {
	case status >= 500:
		c.serverErrors.Add(1)
	case status >= 400:
		c.clientErrors.Add(1)
	}
}

// instrument tags the request with an ID (the client's X-Request-ID if it
// sent one), turns handler panics into 500s, and counts and logs the
// result under its route pattern. Health and metrics polls log at debug.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.requests.panics.Add(1)
				s.logger.Error("panic in HTTP handler", "panic", p, "path", r.URL.Path, "request_id", id)
				if ww.Status() == 0 {
					writeInternalError(ww, "internal server error")
				}
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			s.requests.observe(status)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			attrs := []any{
				"method", r.Method,
				"route", route,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", id,
			}
			switch {
			case status >= 500:
				s.logger.Warn("http request failed", attrs...)
			case strings.HasSuffix(route, "/health") || strings.HasSuffix(route, "/metrics"):
				s.logger.Debug("http request", attrs...)
			default:
				s.logger.Info("http request", attrs...)
			}
		}()

		if r.Body != nil {
			r.Body = http.MaxBytesReader(ww, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(ww, r)
	})
}

// cors answers browser preflights and tags responses for allowed origins.
// An empty origin list allows every origin.
func (s *Server) cors(next http.Handler) http.Handler {
	methods := joinOrDefault(s.cfg.CORS.AllowedMethods, "GET, POST, PUT, OPTIONS")
	headers := joinOrDefault(s.cfg.CORS.AllowedHeaders, "Content-Type, X-Request-ID")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.cfg.CORS.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func joinOrDefault(values []string, def string) string {
	if len(values) == 0 {
		return def
	}
	return strings.Join(values, ", ")
}
