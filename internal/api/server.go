// Package api is the admin HTTP surface: connector lifecycle and
// dispatch, rule management, correlation state, a live SSE event
// stream, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/capability"
	"github.com/aegisfabric/aegis/internal/connector"
	"github.com/aegisfabric/aegis/internal/correlation"
	"github.com/aegisfabric/aegis/internal/dispatch"
	"github.com/aegisfabric/aegis/internal/fault"
	"github.com/aegisfabric/aegis/internal/rules"
	"github.com/aegisfabric/aegis/internal/store"
)

// Server wires the admin surface over the fabric's components.
type Server struct {
	connectors  *connector.Registry
	engine      *rules.Engine
	dispatcher  *dispatch.Dispatcher
	correlation *correlation.Core
	b           *bus.Bus
	caps        *capability.Registry
	st          *store.Store
	logger      *slog.Logger
}

// New builds the server. The store may be nil.
func New(reg *connector.Registry, engine *rules.Engine, d *dispatch.Dispatcher,
	core *correlation.Core, b *bus.Bus, caps *capability.Registry, st *store.Store) *Server {
	return &Server{
		connectors:  reg,
		engine:      engine,
		dispatcher:  d,
		correlation: core,
		b:           b,
		caps:        caps,
		st:          st,
		logger:      slog.Default().With("component", "api"),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/connectors", s.handleListConnectors).Methods("GET")
	r.HandleFunc("/api/connectors", s.handleCreateConnector).Methods("POST")
	r.HandleFunc("/api/connectors/{id}", s.handleGetConnector).Methods("GET")
	r.HandleFunc("/api/connectors/{id}", s.handleRemoveConnector).Methods("DELETE")
	r.HandleFunc("/api/connectors/{id}/connect", s.handleConnect).Methods("POST")
	r.HandleFunc("/api/connectors/{id}/disconnect", s.handleDisconnect).Methods("POST")
	r.HandleFunc("/api/connectors/{id}/execute", s.handleExecute).Methods("POST")

	r.HandleFunc("/api/capabilities", s.handleCapabilities).Methods("GET")

	r.HandleFunc("/api/rules", s.handleListRules).Methods("GET")
	r.HandleFunc("/api/rules", s.handleUpsertRule).Methods("PUT")
	r.HandleFunc("/api/rules/{id}", s.handleGetRule).Methods("GET")
	r.HandleFunc("/api/rules/{id}", s.handleDeleteRule).Methods("DELETE")

	r.HandleFunc("/api/correlation/points", s.handleListPoints).Methods("GET")
	r.HandleFunc("/api/correlation/points", s.handleRegisterPoint).Methods("POST")
	r.HandleFunc("/api/correlation/tracks", s.handleTracks).Methods("GET")

	r.HandleFunc("/api/events/stream", s.handleEventStream).Methods("GET")

	return r
}

// Serve blocks on the listener until ctx cancels, then drains.
func (s *Server) Serve(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE stream writes indefinitely
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("admin surface listening", "port", port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// writeJSON encodes one response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps a fault kind onto an HTTP status and a tagged JSON
// error body.
func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.KindConfig, fault.KindParam:
		status = http.StatusBadRequest
	case fault.KindAuth:
		status = http.StatusUnauthorized
	case fault.KindUnknownCapability, fault.KindUnknownOperation:
		status = http.StatusNotFound
	case fault.KindOverflow:
		status = http.StatusTooManyRequests
	case fault.KindUnreachable, fault.KindTransport, fault.KindUpstream:
		status = http.StatusBadGateway
	case fault.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return fault.Wrap(fault.KindParam, "api.decode", err)
	}
	return nil
}
