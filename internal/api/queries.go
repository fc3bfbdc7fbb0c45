package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"mailpool/internal/domain"
	"mailpool/internal/refresh"
	"mailpool/internal/scheduler"
	"mailpool/internal/store"
)

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	var kinds []string
	if k := r.URL.Query().Get("kind"); k != "" {
		kinds = []string{k}
	}
	runs, err := s.store.ListRuns(r.Context(), kinds, intParam(r, "limit", 20, 1, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(runs))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	since := s.now().Add(-s.opts.LogRetention)
	logs, err := s.store.ListRefreshLogs(r.Context(), since, intParam(r, "limit", 100, 1, 1000), intParam(r, "offset", 0, 0, 1<<30))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(logs))
}

func (s *Server) listFailedLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListFailedRefreshLogs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(logs))
}

func (s *Server) listAccountLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	logs, err := s.store.ListAccountRefreshLogs(r.Context(), id, intParam(r, "limit", 50, 1, 1000), intParam(r, "offset", 0, 0, 1<<30))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(logs))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.RefreshStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rates, err := s.refresh.RecentRates(r.Context(), 5, store.FullRefreshKinds...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":         st,
		"recent_runs":   rates,
		"use_cron":      s.opts.UseCron,
		"interval_days": s.opts.IntervalDays,
	})
}

// resumeScope reads ?group= or ?scope=, defaulting to the manual scope.
func resumeScope(r *http.Request) (string, *int64, error) {
	q := r.URL.Query()
	if raw := q.Get("group"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return "", nil, errors.New("invalid group id")
		}
		return refresh.GroupScope(id), &id, nil
	}
	switch scope := q.Get("scope"); scope {
	case "":
		return domain.KindManual, nil, nil
	case domain.KindManual, domain.KindScheduled, domain.KindRetry:
		return scope, nil, nil
	default:
		return "", nil, errors.New("scope must be manual, scheduled or retry")
	}
}

func (s *Server) resumeStatus(w http.ResponseWriter, r *http.Request) {
	scope, _, err := resumeScope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.refresh.ResumeStatus(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "scope": scope, "checkpoint": state})
}

func (s *Server) clearResume(w http.ResponseWriter, r *http.Request) {
	_, groupID, err := resumeScope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.refresh.ClearResume(r.Context(), groupID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.refresh.Settings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.refresh.Settings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// omitted fields keep their current value
	if err := json.NewDecoder(r.Body).Decode(&cur); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	saved, err := refresh.SaveSettings(r.Context(), s.store, cur)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type validateCronReq struct {
	CronExpr string `json:"cron_expr"`
}

func (s *Server) validateCron(w http.ResponseWriter, r *http.Request) {
	var req validateCronReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.CronExpr == "" {
		writeError(w, http.StatusBadRequest, "cron_expr is required")
		return
	}
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	runs, err := scheduler.NextRunTimes(req.CronExpr, s.now(), 5)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "next_runs": runs})
}

func (s *Server) schedulerLock(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"instance_id": "", "held": false, "lock": nil}
	if s.lock != nil {
		resp["instance_id"] = s.lock.InstanceID()
		resp["held"] = s.lock.Held()
	}
	row, err := s.store.SchedulerLock(r.Context())
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	default:
		resp["lock"] = row
	}
	writeJSON(w, http.StatusOK, resp)
}

// listLeases shows every stored lease, including expired ones the next
// checkout has not swept yet.
func (s *Server) listLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := s.store.ListLeases(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(leases))
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListAudit(r.Context(), intParam(r, "limit", 50, 1, 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
