package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/operation"
	"github.com/ssd-technologies/chainops/internal/planner"
	"github.com/ssd-technologies/chainops/internal/report"
)

// Request bodies. Commands are base64 on the wire.
type fullRequest struct {
	Index string `json:"index"`
	ID    string `json:"id"`
}

type stateRequest struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type autonomousRequest struct {
	Autonomous *int `json:"autonomous"`
}

// linkActionRequest addresses a link either by unique id or by operation
// and link id.
type linkActionRequest struct {
	Index          string  `json:"index"`
	OpID           string  `json:"op_id"`
	LinkID         int     `json:"link_id"`
	Unique         string  `json:"unique"`
	Status         *int    `json:"status"`
	Command        *string `json:"command"`
	ExpectedStatus *int    `json:"expected_status"`
}

type reportRequest struct {
	Index       string `json:"index"`
	OpID        string `json:"op_id"`
	AgentOutput bool   `json:"agent_output"`
}

type potentialRequest struct {
	OpID string `json:"op_id"`
	Paw  string `json:"paw"`
}

type promoteRequest struct {
	OpID string `json:"op_id"`
	Link struct {
		AbilityID string `json:"ability_id"`
		Paw       string `json:"paw"`
		Command   string `json:"command"`
	} `json:"link"`
}

// handleFull handles POST /plugin/chain/full: the operation document.
func (s *Server) handleFull(w http.ResponseWriter, r *http.Request) {
	var req fullRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Index != "operation" {
		writeError(w, http.StatusBadRequest, "unsupported index: "+req.Index)
		return
	}
	s.writeView(w, req.ID)
}

// handleGetOperation handles GET /plugin/chain/operation/{id}.
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	s.writeView(w, r.PathValue("id"))
}

func (s *Server) writeView(w http.ResponseWriter, ref string) {
	op, err := s.ops.Lookup(ref)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op.View(false))
}

// handleStartOperation handles POST /plugin/chain/operation.
func (s *Server) handleStartOperation(w http.ResponseWriter, r *http.Request) {
	var req operation.StartOptions
	if !decodeBody(w, r, &req) {
		return
	}
	op, err := s.ops.Start(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.log.Info("operation started via api", zap.String("op", op.ID()), zap.String("actor", actor(r)))
	writeJSON(w, http.StatusCreated, op.View(false))
}

// handleListOperations handles GET /plugin/chain/operations.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	ops := s.ops.List()
	out := make([]operation.Record, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Record())
	}
	writeJSON(w, http.StatusOK, out)
}

// handleOperationState handles PUT /plugin/chain/operation/state.
func (s *Server) handleOperationState(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	op, err := s.ops.Lookup(req.Name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := op.SetState(actor(r), req.State); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": op.ID(), "state": string(op.State())})
}

// handleAutonomous handles PATCH /plugin/chain/operation/{id}.
func (s *Server) handleAutonomous(w http.ResponseWriter, r *http.Request) {
	var req autonomousRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Autonomous == nil || (*req.Autonomous != 0 && *req.Autonomous != 1) {
		writeError(w, http.StatusBadRequest, "autonomous must be 0 or 1")
		return
	}
	op, err := s.ops.Lookup(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := op.SetAutonomous(actor(r), *req.Autonomous == 1); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": op.ID(), "autonomous": *req.Autonomous})
}

// handleLinkAction handles PUT /plugin/chain/rest: approve, edit or discard
// a link.
func (s *Server) handleLinkAction(w http.ResponseWriter, r *http.Request) {
	var req linkActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Index != "chain" {
		writeError(w, http.StatusBadRequest, "unsupported index: "+req.Index)
		return
	}
	if req.Status == nil {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	status, err := link.FromCode(*req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var op *operation.Operation
	id := req.LinkID
	if req.Unique != "" {
		var ok bool
		op, id, ok = s.ops.FindLink(req.Unique)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown link "+req.Unique)
			return
		}
	} else {
		op, err = s.ops.Lookup(req.OpID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
	}

	action := operation.LinkAction{Actor: actor(r), LinkID: id, Status: status}
	if req.Command != nil {
		cmd, err := link.Decode(*req.Command)
		if err != nil {
			writeError(w, http.StatusBadRequest, "command is not valid base64")
			return
		}
		action.Command = &cmd
	}
	if req.ExpectedStatus != nil {
		expected, err := link.FromCode(*req.ExpectedStatus)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		action.Expected = &expected
	}

	l, err := op.UpdateLink(action)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if _, err := op.Cycle(r.Context()); err != nil {
		s.log.Warn("plan after link action", zap.String("op", op.ID()), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, l.ToWire(false))
}

// handleReport handles POST /plugin/chain/rest: the operation report.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Index != "operation_report" {
		writeError(w, http.StatusBadRequest, "unsupported index: "+req.Index)
		return
	}
	op, err := s.ops.Lookup(req.OpID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	rep, err := report.Build(op.View(req.AgentOutput), s.cat, req.AgentOutput, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "build report: "+err.Error())
		return
	}
	if s.reportDir != "" {
		path, err := rep.Write(s.reportDir)
		if err != nil {
			s.log.Warn("write report", zap.String("op", op.ID()), zap.Error(err))
		} else {
			s.log.Info("report written", zap.String("op", op.ID()), zap.String("path", path))
		}
	}
	writeJSON(w, http.StatusOK, rep)
}

// handlePotentialLinks handles POST /plugin/chain/potential-links.
func (s *Server) handlePotentialLinks(w http.ResponseWriter, r *http.Request) {
	var req potentialRequest
	if !decodeBody(w, r, &req) {
		return
	}
	op, err := s.ops.Lookup(req.OpID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	candidates, err := op.Potential(r.Context(), req.Paw)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if candidates == nil {
		candidates = []planner.Candidate{}
	}
	writeJSON(w, http.StatusOK, candidates)
}

// handlePromoteLink handles PUT /plugin/chain/potential-links.
func (s *Server) handlePromoteLink(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Link.AbilityID == "" || req.Link.Paw == "" {
		writeError(w, http.StatusBadRequest, "link.ability_id and link.paw are required")
		return
	}
	cmd, err := link.Decode(req.Link.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, "command is not valid base64")
		return
	}
	op, err := s.ops.Lookup(req.OpID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	l, err := op.Promote(actor(r), req.Link.AbilityID, req.Link.Paw, cmd)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l.ToWire(false))
}
