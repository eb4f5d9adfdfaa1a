package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/shawnpdoherty/beaker/internal/access"
	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/jobs"
	"github.com/shawnpdoherty/beaker/internal/models"
	"github.com/shawnpdoherty/beaker/internal/ratelimit"
	"github.com/shawnpdoherty/beaker/internal/reservation"
	"github.com/shawnpdoherty/beaker/internal/store"
	"github.com/shawnpdoherty/beaker/internal/telemetry"
)

// UserHeader carries the authenticated user name, set by the fronting proxy.
const UserHeader = "X-Beaker-User"

// Limiter throttles job submissions per user.
type Limiter interface {
	Allow(ctx context.Context, user string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the lab API.
type Server struct {
	store        store.Store
	jobs         *jobs.Service
	systems      *access.Service
	reservations *reservation.Tracker
	limiter      Limiter
	log          logr.Logger
}

// New constructs the API server. limiter may be nil.
func New(st store.Store, js *jobs.Service, systems *access.Service, tracker *reservation.Tracker, limiter Limiter, log logr.Logger) *Server {
	return &Server{
		store:        st,
		jobs:         js,
		systems:      systems,
		reservations: tracker,
		limiter:      limiter,
		log:          log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.identify)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.With(s.rateLimit).Post("/", s.handleSubmit)
			r.Post("/+delete", s.handleDeleteMatching)
			r.Get("/{id}", s.handleGetJob)
			r.Patch("/{id}", s.handleUpdateJob)
			r.Delete("/{id}", s.handleDeleteJob)
			r.Get("/{id}/xml", s.handleJobXML)
			r.Get("/{id}/activity", s.handleJobActivity)
			r.Post("/{id}/clone", s.handleClone)
			r.Post("/{id}/stop", s.handleStop)
			r.Post("/{id}/response", s.handleJobResponse)
		})
		r.Route("/recipesets/{id}", func(r chi.Router) {
			r.Get("/xml", s.handleRecipeSetXML)
			r.Patch("/", s.handleUpdateRecipeSet)
			r.Get("/activity", s.handleRecipeSetActivity)
		})
		r.Route("/systems/{fqdn}", func(r chi.Router) {
			r.Get("/", s.handleGetSystem)
			r.Patch("/", s.handleUpdateSystem)
			r.Get("/activity", s.handleSystemActivity)
			r.Post("/reservations/", s.handleReserve)
			r.Patch("/reservations/+current", s.handleRelease)
			r.Post("/loans/", s.handleLoan)
			r.Patch("/loans/+current", s.handleReturnLoan)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ctxKey int

const (
	actorKey ctxKey = iota
	requestIDKey
)

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		s.log.V(1).Info("request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start), "request_id", id)
	})
}

// identify loads the user named by UserHeader. Requests without the header
// continue anonymously; an unknown user is rejected.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(r.Header.Get(UserHeader))
		actor := models.Actor{Service: channel(r)}
		if name != "" {
			u, err := s.lookupUser(r.Context(), name)
			if errors.Is(err, errs.ErrNotFound) {
				http.Error(w, "Unknown user "+name, http.StatusUnauthorized)
				return
			}
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			actor.User = u
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func (s *Server) lookupUser(ctx context.Context, name string) (models.User, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.User{}, err
	}
	defer tx.Rollback(ctx)
	return tx.UserByName(ctx, name)
}

// channel tells browser requests from programmatic clients.
func channel(r *http.Request) string {
	if r.Header.Get("X-Requested-With") == "XMLHttpRequest" {
		return models.ServiceWebUI
	}
	return models.ServiceHTTP
}

func actorFrom(r *http.Request) models.Actor {
	a, _ := r.Context().Value(actorKey).(models.Actor)
	return a
}

// authenticated returns the caller, or writes 401 when anonymous.
func authenticated(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	a := actorFrom(r)
	if a.User.UserName == "" {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return a, false
	}
	return a, true
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		user := actorFrom(r).User.UserName
		if user == "" {
			user = "anonymous"
		}
		d, err := s.limiter.Allow(r.Context(), user)
		if err != nil {
			s.log.Error(err, "rate limit check", "user", user)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.HTTPStatus(err)
	if code == http.StatusInternalServerError {
		id, _ := r.Context().Value(requestIDKey).(string)
		s.log.Error(err, "request failed", "method", r.Method, "path", r.URL.Path, "request_id", id)
		http.Error(w, "internal error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Validation("invalid json: %s", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeXML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
