package server

import (
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/scheduler"
)

// handleBeacon handles POST /api/agent/beacon: agent check-in. Results in
// the body are ingested before new links are handed out.
func (s *Server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	var b scheduler.Beacon
	if !decodeBody(w, r, &b) {
		return
	}
	if ok, wait := s.beacons.Reserve(beaconKey(r, b.Paw)); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "beacon rate limit exceeded")
		return
	}
	resp, err := s.dispatch.Checkin(r.Context(), b)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.store != nil {
		if a, err := s.agents.Get(resp.Paw); err == nil {
			if err := s.store.SaveAgent(a); err != nil {
				s.log.Warn("save agent", zap.String("paw", a.Paw), zap.Error(err))
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListAgents handles GET /api/agents. The group query parameter
// filters by group.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.agents.InGroup(r.URL.Query().Get("group"))
	if agents == nil {
		agents = []agent.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// handleGetAgent handles GET /api/agents/{paw}.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.agents.Get(r.PathValue("paw"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleUpdateAgent handles PUT /api/agents/{paw}.
func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var p agent.Patch
	if !decodeBody(w, r, &p) {
		return
	}
	a, err := s.agents.Update(r.PathValue("paw"), p)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if s.store != nil {
		if err := s.store.SaveAgent(a); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save agent")
			return
		}
	}
	writeJSON(w, http.StatusOK, a)
}

// handleDeleteAgent handles DELETE /api/agents/{paw}. Agents a live
// operation still targets are kept.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	paw := r.PathValue("paw")
	if err := s.agents.Remove(paw); err != nil {
		writeEngineError(w, err)
		return
	}
	if s.store != nil {
		if err := s.store.DeleteAgent(paw); err != nil {
			s.log.Warn("delete agent", zap.String("paw", paw), zap.Error(err))
		}
	}
	s.log.Info("agent removed", zap.String("paw", paw), zap.String("actor", actor(r)))
	w.WriteHeader(http.StatusNoContent)
}

// handleListAbilities handles GET /api/abilities.
func (s *Server) handleListAbilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cat.Abilities())
}

// handlePutAbility handles POST /api/abilities. Posting an existing id adds
// a new version; links already created keep the version they were built
// from.
func (s *Server) handlePutAbility(w http.ResponseWriter, r *http.Request) {
	var a catalog.Ability
	if !decodeBody(w, r, &a) {
		return
	}
	stored, err := s.cat.PutAbility(a)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// handleListAdversaries handles GET /api/adversaries.
func (s *Server) handleListAdversaries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cat.Adversaries())
}
