package api

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"mailpool/internal/domain"
	"mailpool/internal/lease"
	"mailpool/internal/metrics"
	"mailpool/internal/refresh"
	"mailpool/internal/scheduler"
	"mailpool/internal/store"
)

type Options struct {
	// SecretKey authenticates external callers through X-API-Key.
	SecretKey string
	// AdminToken guards the admin routes as a bearer token. Empty leaves them open.
	AdminToken string
	RateLimit  float64
	RateBurst  int
	// UseCron and IntervalDays mirror the scheduler so HTTP-triggered
	// scheduled runs apply the same interval check.
	UseCron      bool
	IntervalDays int
	LogRetention time.Duration
}

type Server struct {
	r       *chi.Mux
	store   *store.Store
	leases  *lease.Manager
	refresh *refresh.Orchestrator
	lock    *scheduler.Lock
	codec   Encrypter
	metrics *metrics.Metrics
	limiter *callerLimiter
	opts    Options
	now     func() time.Time
}

func NewServer(st *store.Store, leases *lease.Manager, orch *refresh.Orchestrator, lock *scheduler.Lock, codec Encrypter, m *metrics.Metrics, opts Options) http.Handler {
	if opts.IntervalDays <= 0 {
		opts.IntervalDays = 30
	}
	if opts.LogRetention <= 0 {
		opts.LogRetention = 180 * 24 * time.Hour
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{
		r:       r,
		store:   st,
		leases:  leases,
		refresh: orch,
		lock:    lock,
		codec:   codec,
		metrics: m,
		limiter: newCallerLimiter(opts.RateLimit, opts.RateBurst, 10*time.Minute),
		opts:    opts,
		now:     time.Now,
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", m.Handler())

	r.Route("/api/external", func(r chi.Router) {
		r.Use(s.requireAPIKey, s.rateLimit)
		r.Post("/checkout", s.checkout)
		r.Post("/checkout/complete", s.completeCheckout)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Get("/api/accounts", s.listAccounts)
		r.Post("/api/accounts", s.importAccounts)
		r.Delete("/api/accounts/{id}", s.deleteAccount)
		r.Put("/api/accounts/{id}/status", s.setAccountStatus)

		r.Get("/api/refresh/stream", s.refreshStream)
		r.Get("/api/refresh/ws", s.refreshWebSocket)
		r.Get("/api/groups/{id}/refresh/stream", s.groupRefreshStream)
		r.Post("/api/refresh/failed", s.refreshFailed)
		r.Post("/api/accounts/{id}/refresh", s.refreshAccount)

		r.Get("/api/refresh/runs", s.listRuns)
		r.Get("/api/refresh/runs/{runID}", s.getRun)
		r.Get("/api/refresh/logs", s.listLogs)
		r.Get("/api/refresh/logs/failed", s.listFailedLogs)
		r.Get("/api/accounts/{id}/refresh-logs", s.listAccountLogs)
		r.Get("/api/refresh/stats", s.stats)
		r.Get("/api/refresh/resume", s.resumeStatus)
		r.Delete("/api/refresh/resume", s.clearResume)

		r.Get("/api/settings/refresh", s.getSettings)
		r.Put("/api/settings/refresh", s.putSettings)

		r.Post("/api/scheduler/validate-cron", s.validateCron)
		r.Get("/api/scheduler/lock", s.schedulerLock)

		r.Get("/api/leases", s.listLeases)
		r.Get("/api/audit", s.listAudit)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.SecretKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			// browsers cannot set headers on websocket upgrades
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(callerIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerIP is the client address after middleware.RealIP rewrote RemoteAddr.
func callerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// audit records an admin action. Failures are logged only.
func (s *Server) audit(r *http.Request, action, resourceType, resourceID, details string) {
	err := s.store.WriteAudit(r.Context(), domain.AuditEntry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		CallerIP:     callerIP(r),
		Details:      details,
	})
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("audit write failed")
	}
}

func intParam(r *http.Request, name string, def, lo, hi int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return max(lo, min(v, hi))
}

func idParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
