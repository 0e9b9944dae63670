package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/aegisfabric/aegis/internal/connector"
	"github.com/aegisfabric/aegis/internal/fault"
)

type connectorView struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	State        string   `json:"state"`
	Capabilities []string `json:"capabilities"`
}

func viewOf(rt *connector.Runtime) connectorView {
	caps := []string{}
	for _, d := range rt.Manifest() {
		caps = append(caps, d.ID)
	}
	return connectorView{
		ID:           rt.ID(),
		Type:         rt.Type(),
		State:        rt.StateDescription(),
		Capabilities: caps,
	}
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	out := []connectorView{}
	for _, rt := range s.connectors.List() {
		out = append(out, viewOf(rt))
	}
	writeJSON(w, http.StatusOK, out)
}

type createConnectorRequest struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	AutoConnect bool              `json:"auto_connect"`
	Settings    map[string]string `json:"settings"`
}

// handleCreateConnector registers the instance without connecting it;
// connecting is a separate, explicit call.
func (s *Server) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var req createConnectorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rt, err := s.connectors.Create(req.ID, req.Type, req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.st.SaveConnector(r.Context(), req.ID, req.Type, req.Settings, req.AutoConnect); err != nil {
		s.logger.Warn("connector persistence failed", "connector", req.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, viewOf(rt))
}

func (s *Server) runtime(w http.ResponseWriter, r *http.Request) (*connector.Runtime, bool) {
	id := mux.Vars(r)["id"]
	rt, ok := s.connectors.Get(id)
	if !ok {
		writeError(w, fault.Newf(fault.KindParam, "api.connector", "unknown connector %q", id))
		return nil, false
	}
	return rt, true
}

func (s *Server) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connector":   viewOf(rt),
		"transitions": rt.Transitions(),
	})
}

func (s *Server) handleRemoveConnector(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.connectors.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.st.DeleteConnector(r.Context(), id); err != nil {
		s.logger.Warn("connector deletion not persisted", "connector", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	if err := rt.Connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rt))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	if err := rt.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rt))
}

type executeRequest struct {
	CapabilityID string         `json:"capability_id"`
	Operation    string         `json:"operation"`
	Params       map[string]any `json:"params"`
}

// handleExecute runs one capability operation synchronously, outside
// the rule/dispatch path.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := rt.Execute(r.Context(), req.CapabilityID, req.Operation, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.caps.List())
}
