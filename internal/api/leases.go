package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"mailpool/internal/lease"
)

type checkoutReq struct {
	GroupID    *int64 `json:"group_id"`
	Owner      string `json:"owner"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type checkoutResp struct {
	Success bool `json:"success"`
	*lease.Checkout
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.GroupID != nil && *req.GroupID == 0 {
		req.GroupID = nil
	}
	co, err := s.leases.Checkout(r.Context(), lease.CheckoutRequest{
		GroupID:    req.GroupID,
		Owner:      req.Owner,
		TTLSeconds: req.TTLSeconds,
		Caller:     callerIP(r),
	})
	switch {
	case errors.Is(err, lease.ErrNoAvailableAccount):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Msg("checkout failed")
		writeError(w, http.StatusInternalServerError, "checkout failed")
		return
	}
	writeJSON(w, http.StatusOK, checkoutResp{Success: true, Checkout: co})
}

type completeReq struct {
	LeaseID string `json:"lease_id"`
	Result  string `json:"result"`
}

func (s *Server) completeCheckout(w http.ResponseWriter, r *http.Request) {
	var req completeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.LeaseID == "" {
		writeError(w, http.StatusBadRequest, "lease_id is required")
		return
	}
	err := s.leases.Complete(r.Context(), req.LeaseID, req.Result, callerIP(r))
	switch {
	case errors.Is(err, lease.ErrLeaseNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("lease_id", req.LeaseID).Msg("complete checkout failed")
		writeError(w, http.StatusInternalServerError, "complete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
