package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/funding-engine/internal/rules"
)

// ApproveRequest is the body of POST /payouts/{id}/approve.
type ApproveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

// CompleteRequest is the body of POST /payouts/{id}/complete.
type CompleteRequest struct {
	TransactionHash string `json:"transaction_hash"`
}

// FailRequest is the body of POST /payouts/{id}/fail.
type FailRequest struct {
	Reason string `json:"reason"`
}

// RulesResponse lists the registry.
type RulesResponse struct {
	Version int           `json:"version"`
	Tiers   []rules.Rules `json:"tiers"`
}

// PayoutEligibility handles GET /api/v1/accounts/{accountID}/payouts/eligibility
func (s *Server) PayoutEligibility(w http.ResponseWriter, r *http.Request) {
	el, err := s.payouts.CheckEligibility(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, el)
}

// RequestPayout handles POST /api/v1/accounts/{accountID}/payouts
func (s *Server) RequestPayout(w http.ResponseWriter, r *http.Request) {
	p, err := s.payouts.Request(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPayouts handles GET /api/v1/accounts/{accountID}/payouts
func (s *Server) ListPayouts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "accountID")
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		s.fail(w, r, err)
		return
	}
	payouts, err := s.payouts.List(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payouts)
}

// GetPayout handles GET /api/v1/payouts/{payoutID}
func (s *Server) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := s.payouts.Get(r.Context(), chi.URLParam(r, "payoutID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ApprovePayout handles POST /api/v1/payouts/{payoutID}/approve
func (s *Server) ApprovePayout(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ApprovedBy) == "" {
		writeError(w, "approved_by is required", http.StatusBadRequest)
		return
	}
	p, err := s.payouts.Approve(r.Context(), chi.URLParam(r, "payoutID"), req.ApprovedBy)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// MarkPayoutProcessing handles POST /api/v1/payouts/{payoutID}/processing
func (s *Server) MarkPayoutProcessing(w http.ResponseWriter, r *http.Request) {
	p, err := s.payouts.MarkProcessing(r.Context(), chi.URLParam(r, "payoutID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CompletePayout handles POST /api/v1/payouts/{payoutID}/complete
func (s *Server) CompletePayout(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := s.payouts.Complete(r.Context(), chi.URLParam(r, "payoutID"), req.TransactionHash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// FailPayout handles POST /api/v1/payouts/{payoutID}/fail
func (s *Server) FailPayout(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, "reason is required", http.StatusBadRequest)
		return
	}
	p, err := s.payouts.Fail(r.Context(), chi.URLParam(r, "payoutID"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListRules handles GET /api/v1/rules
func (s *Server) ListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RulesResponse{Version: s.registry.Version(), Tiers: s.registry.All()})
}

// GetRules handles GET /api/v1/rules/{tier}
func (s *Server) GetRules(w http.ResponseWriter, r *http.Request) {
	rs, err := s.registry.Lookup(rules.Tier(chi.URLParam(r, "tier")))
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}
