package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/aegisfabric/aegis/internal/fault"
	"github.com/aegisfabric/aegis/internal/rules"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list := s.engine.Rules()
	if list == nil {
		list = []rules.Rule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rule, ok := s.engine.Get(id)
	if !ok {
		writeError(w, fault.Newf(fault.KindParam, "api.rule", "unknown rule %q", id))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.Upsert(rule); err != nil {
		writeError(w, err)
		return
	}
	if err := s.st.SaveRule(r.Context(), rule); err != nil {
		s.logger.Warn("rule persistence failed", "rule", rule.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.engine.Remove(id)
	if err := s.st.DeleteRule(r.Context(), id); err != nil {
		s.logger.Warn("rule deletion not persisted", "rule", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
