// Package server implements ControlServer, the local HTTP + WebSocket API
// surface described in spec.md §4.6, grounded on the chi router, permissive
// CORS middleware, and gorilla/websocket streaming idioms of
// internal/server/server.go, retargeted from Moku's project/website
// endpoints to percy-core's five snapshot-lifecycle endpoints plus the
// supplemental /percy/events stream and /metrics endpoint.
package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/percy-io/percy-core/internal/config"
	"github.com/percy-io/percy-core/internal/core"
	"github.com/percy-io/percy-core/internal/interfaces"
	"github.com/percy-io/percy-core/internal/metrics"
	"github.com/percy-io/percy-core/internal/model"
)

//go:embed dom.js
var domScriptFS embed.FS

// Server is percy-core's ControlServer.
type Server struct {
	cfg      Config
	core     *core.Core
	appCfg   *config.Config
	router   chi.Router
	upgrader websocket.Upgrader
	logger   interfaces.Logger
	metrics  *metrics.Metrics
	domJS    []byte
}

// New creates a ControlServer wrapping an already-constructed Core.
// m may be nil to omit the /metrics endpoint.
func New(cfg Config, c *core.Core, appCfg *config.Config, logger interfaces.Logger, m *metrics.Metrics) (*Server, error) {
	domJS, err := domScriptFS.ReadFile("dom.js")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		core:   c,
		appCfg: appCfg,
		router: chi.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger.With(interfaces.Field{Key: "component", Value: "control_server"}),
		metrics: m,
		domJS:   domJS,
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.corsMiddleware)

	r.Options("/percy/snapshot", s.optionsHandler("POST"))
	r.Options("/percy/stop", s.optionsHandler("POST"))

	r.Get("/percy/healthcheck", s.handleHealthcheck)
	r.Get("/percy/dom.js", s.handleDomJS)
	r.Get("/percy/idle", s.handleIdle)
	r.Post("/percy/snapshot", s.handleSnapshot)
	r.Post("/percy/stop", s.handleStop)
	r.Get("/percy/events", s.handleEvents)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Success: false, Error: "Not found"})
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler, logging every request the way
// internal/server/server.go's ServeHTTP does before delegating to chi.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []interfaces.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}
	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
		if bodyBytes, err := io.ReadAll(r.Body); err == nil {
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}
	s.logger.Debug("http request", fields...)
	s.router.ServeHTTP(w, r)
}

// HTTPServer builds an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // /percy/events streams indefinitely
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: err.Error()})
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	var buildPayload interface{}
	if info := s.core.BuildInfo(); info != nil {
		buildPayload = info
	}
	writeJSON(w, http.StatusOK, HealthcheckResponse{
		Success:  true,
		LogLevel: s.appCfg.LogLevel,
		Config:   s.appCfg,
		Build:    buildPayload,
	})
}

func (s *Server) handleDomJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Write(s.domJS)
}

func (s *Server) handleIdle(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Idle(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var body SnapshotRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	snap := &model.Snapshot{
		Name:             body.Name,
		URL:              body.URL,
		Widths:           body.Widths,
		MinHeight:        body.MinHeight,
		RequestHeaders:   body.RequestHeaders,
		ClientInfo:       body.ClientInfo,
		EnvironmentInfo:  body.EnvironmentInfo,
		DOMSnapshot:      body.DOMSnapshot,
		EnableJavaScript: body.EnableJavaScript,
	}
	concurrent := body.Concurrent == nil || *body.Concurrent

	err := s.core.Snapshot(r.Context(), core.SnapshotRequest{
		Snapshot:   snap,
		Concurrent: concurrent,
	})
	if err != nil {
		// NotRunningError and SnapshotDiscoveryError both surface as 500 on
		// the synchronous path (spec.md §7).
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleEvents streams SnapshotEvent notifications over a websocket, a
// supplemental endpoint beyond spec.md's five (SPEC_FULL.md §3), grounded
// on internal/server/server.go's handleFetchWS job-events loop.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", interfaces.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	events := s.core.Events()
	defer s.core.Unsubscribe(events)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
