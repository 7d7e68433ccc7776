package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"medremind/internal/notifier"
	"medremind/internal/reminders"
	"medremind/internal/storage"
	"medremind/internal/task/scheduler"
	"medremind/internal/task/trigger"
	logx "medremind/pkg/logx"
)

const (
	defaultPreview = 5
	maxPreview     = 50
	actionTimeout  = 10 * time.Second
)

// Jobs is the read side of the scheduler engine.
type Jobs interface {
	Snapshot() scheduler.Snapshot
	Preview(id string, n int) ([]time.Time, bool)
}

// Deliveries is the read side of the dispatcher.
type Deliveries interface {
	History() []notifier.HistoryItem
	Stats() notifier.Stats
}

// Schedules runs the per-schedule control flows.
type Schedules interface {
	Enable(ctx context.Context, scheduleID string) (reminders.Registration, error)
	Disable(ctx context.Context, scheduleID string) (int, error)
	Sync(ctx context.Context, scheduleID string) (reminders.Registration, error)
}

// Deps are the components the API reads from. Nil members turn their
// routes into 503s.
type Deps struct {
	Jobs       Jobs
	Deliveries Deliveries
	Schedules  Schedules
	Metrics    *Metrics
}

// Handler builds the router for the current config. The listener uses the
// same router; tests call this directly.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.router(cur)
}

func (s *Service) router(cur Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.log), middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(tokenAuth(cur.Token))

		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.previewJob)
		r.Get("/deliveries", s.listDeliveries)
		r.Post("/schedules/{id}/sync", s.scheduleAction("sync"))
		r.Post("/schedules/{id}/enable", s.scheduleAction("enable"))
		r.Post("/schedules/{id}/disable", s.scheduleAction("disable"))

		if s.deps.Metrics != nil {
			r.Handle("/metrics", s.deps.Metrics.Handler())
		}
		if cur.Pprof {
			mountPprof(r, normalizePrefix(cur.PprofPrefix))
		}
	})
	return r
}

func (s *Service) listJobs(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Jobs.Snapshot())
}

type previewResponse struct {
	ID   string      `json:"id"`
	Next []time.Time `json:"next"`
}

func (s *Service) previewJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w)
		return
	}
	id := chi.URLParam(r, "id")
	n := defaultPreview
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = min(v, maxPreview)
	}
	next, ok := s.deps.Jobs.Preview(id, n)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{ID: id, Next: next})
}

type deliveriesResponse struct {
	Stats   notifier.Stats         `json:"stats"`
	History []notifier.HistoryItem `json:"history"`
}

func (s *Service) listDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deliveries == nil {
		unavailable(w)
		return
	}
	hist := s.deps.Deliveries.History()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 && v < len(hist) {
			hist = hist[len(hist)-v:]
		}
	}
	if hist == nil {
		hist = []notifier.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, deliveriesResponse{Stats: s.deps.Deliveries.Stats(), History: hist})
}

type actionResponse struct {
	ScheduleID string            `json:"schedule_id"`
	Action     string            `json:"action"`
	JobIDs     []string          `json:"job_ids,omitempty"`
	Dropped    []trigger.Dropped `json:"dropped,omitempty"`
	Notes      []string          `json:"notes,omitempty"`
	Cancelled  int               `json:"cancelled"`
}

func (s *Service) scheduleAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Schedules == nil {
			unavailable(w)
			return
		}
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
		defer cancel()

		resp := actionResponse{ScheduleID: id, Action: action}
		var err error
		switch action {
		case "enable":
			var reg reminders.Registration
			reg, err = s.deps.Schedules.Enable(ctx, id)
			resp.fill(reg)
		case "sync":
			var reg reminders.Registration
			reg, err = s.deps.Schedules.Sync(ctx, id)
			resp.fill(reg)
		case "disable":
			resp.Cancelled, err = s.deps.Schedules.Disable(ctx, id)
		}
		if err != nil {
			status := statusFor(err)
			if status >= 500 {
				s.log.Warn("schedule action failed", logx.String("action", action), logx.String("schedule_id", id), logx.Err(err))
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (a *actionResponse) fill(reg reminders.Registration) {
	a.JobIDs = reg.JobIDs
	a.Dropped = reg.Dropped
	a.Notes = reg.Notes
	a.Cancelled = reg.Cancelled
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reminders.ErrNoContact), errors.Is(err, trigger.ErrNoWeekdays):
		return http.StatusUnprocessableEntity
	case errors.Is(err, reminders.ErrDisabled):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func unavailable(w http.ResponseWriter) {
	writeError(w, http.StatusServiceUnavailable, "not available")
}

// tokenAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func tokenAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				ah := r.Header.Get("Authorization")
				const p = "Bearer "
				if strings.HasPrefix(ah, p) {
					got = strings.TrimSpace(strings.TrimPrefix(ah, p))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("ops request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.String("request_id", middleware.GetReqID(r.Context())),
				logx.Duration("took", time.Since(start)),
			)
		})
	}
}

func mountPprof(r chi.Router, prefix string) {
	base := strings.TrimSuffix(prefix, "/")
	r.Get(base, func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, prefix, http.StatusPermanentRedirect)
	})
	r.HandleFunc(base+"/cmdline", hpprof.Cmdline)
	r.HandleFunc(base+"/profile", hpprof.Profile)
	r.HandleFunc(base+"/symbol", hpprof.Symbol)
	r.HandleFunc(base+"/trace", hpprof.Trace)
	r.HandleFunc(prefix+"*", pprofIndexAt(prefix))
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprofIndexAt serves pprof.Index, which expects paths under /debug/pprof/,
// from a custom prefix.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}
