// Package server exposes the ingest and control API over HTTP. The lifecycle
// and capture event streams arrive as POSTs; everything else is the observer
// and settings surface.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/tracecap/tracecap/internal/engine"
)

// maxBodyBytes bounds a single API request body. Capture events carry full
// response bodies, so the limit is generous.
const maxBodyBytes = 64 << 20

// Server routes API requests to the correlation engine.
type Server struct {
	eng    *engine.Engine
	router *httprouter.Router
}

// New builds the router over eng.
func New(eng *engine.Engine) *Server {
	s := &Server{eng: eng, router: httprouter.New()}

	s.router.POST("/api/v1/events/lifecycle", s.handleLifecycle)
	s.router.POST("/api/v1/events/capture", s.handleCapture)

	s.router.GET("/api/v1/state", s.handleState)
	s.router.POST("/api/v1/settings", s.handleUpdateSettings)
	s.router.POST("/api/v1/capture", s.handleToggleCapture)
	s.router.POST("/api/v1/clear", s.handleClear)
	s.router.GET("/api/v1/records", s.handleRecordsByDate)
	s.router.GET("/api/v1/records/latest", s.handleLatestRecord)
	s.router.GET("/api/v1/rules/stats", s.handleRuleStats)
	s.router.POST("/api/v1/query", s.handleQuery)
	s.router.POST("/api/v1/export", s.handleExport)

	return s
}

// Handler returns the root handler, for http.Server wiring and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer wraps the handler in an http.Server bound to addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type errorBody struct {
	Error  string   `json:"error"`
	Detail []string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, detail ...string) {
	writeJSON(w, status, errorBody{Error: msg, Detail: detail})
}
