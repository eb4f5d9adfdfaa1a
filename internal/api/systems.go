package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shawnpdoherty/beaker/internal/access"
	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/models"
)

type systemResponse struct {
	System       models.System       `json:"system"`
	ActivePolicy models.AccessPolicy `json:"active_access_policy"`
}

func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	sys, policy, err := s.systems.System(r.Context(), chi.URLParam(r, "fqdn"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, systemResponse{System: sys, ActivePolicy: policy})
}

func (s *Server) handleUpdateSystem(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	var patch access.SystemPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if _, err := s.systems.UpdateSystem(ctx, actor, chi.URLParam(r, "fqdn"), patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	// the fqdn may have been renamed by the patch
	fqdn := chi.URLParam(r, "fqdn")
	if patch.FQDN != nil {
		fqdn = *patch.FQDN
	}
	sys, policy, err := s.systems.System(ctx, fqdn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, systemResponse{System: sys, ActivePolicy: policy})
}

func (s *Server) handleSystemActivity(w http.ResponseWriter, r *http.Request) {
	acts, err := s.systems.Activity(r.Context(), chi.URLParam(r, "fqdn"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": acts})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	res, err := s.reservations.Reserve(r.Context(), actor, chi.URLParam(r, "fqdn"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type finishRequest struct {
	FinishTime string `json:"finish_time"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	var req finishRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.FinishTime != "now" {
		s.writeError(w, r, errs.Validation("Reservations can only be ended with finish_time now"))
		return
	}
	res, err := s.reservations.Release(r.Context(), actor, chi.URLParam(r, "fqdn"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type loanRequest struct {
	Recipient string `json:"recipient"`
	Comment   string `json:"comment"`
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	var req loanRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sys, err := s.reservations.Loan(r.Context(), actor, chi.URLParam(r, "fqdn"), req.Recipient, req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sys)
}

func (s *Server) handleReturnLoan(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	var req finishRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.FinishTime != "now" {
		s.writeError(w, r, errs.Validation("Loans can only be returned with finish_time now"))
		return
	}
	sys, err := s.reservations.ReturnLoan(r.Context(), actor, chi.URLParam(r, "fqdn"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sys)
}
