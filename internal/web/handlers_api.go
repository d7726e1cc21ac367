package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"ncsi-sideband/internal/sideband"
)

const defaultHistoryLimit = 50

func (s *Server) status(w http.ResponseWriter, r *http.Request) (sideband.Status, bool) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		if errors.Is(err, sideband.ErrStopped) {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sideband stopped"})
			return st, false
		}
		s.logger.Error("status", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return st, false
	}
	return st, true
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if st, ok := s.status(w, r); ok {
		s.writeJSON(w, http.StatusOK, st)
	}
}

func (s *Server) handleAPITopology(w http.ResponseWriter, r *http.Request) {
	if st, ok := s.status(w, r); ok {
		s.writeJSON(w, http.StatusOK, st.Engine.Topology)
	}
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	st, ok := s.status(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stats":   st.Engine.Stats,
		"dropped": st.Engine.Stats.Dropped(),
	})
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	recs, err := s.ctrl.History(limit)
	if err != nil {
		s.logger.Error("list history", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if recs == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleAPIInterfaces(w http.ResponseWriter, r *http.Request) {
	devs, err := s.interfaces()
	if err != nil {
		s.logger.Error("list interfaces", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devs)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPIRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Restart(); err != nil {
		if errors.Is(err, sideband.ErrStopped) {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sideband stopped"})
			return
		}
		s.logger.Error("restart", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
