// Package httpapi exposes the hierarchy, access and identity services over
// HTTP. Handlers stay thin: decode, authorize, call a service, map errors.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"wealthportal.io/internal/access"
	"wealthportal.io/internal/audit"
	"wealthportal.io/internal/bulk"
	"wealthportal.io/internal/hierarchy"
	"wealthportal.io/internal/identity"
	"wealthportal.io/internal/obs"
)

// ReadyProbe reports whether backing services are reachable.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators served over HTTP. Metrics, AuditLog and Ready
// are optional.
type Deps struct {
	Users    *hierarchy.Service
	Access   *access.Decider
	Identity *identity.Engine
	Bulk     *bulk.Reconciler
	Verifier TokenVerifier
	AuditLog audit.Lister
	Ready    ReadyProbe
	Metrics  *obs.Metrics
	Log      *zap.Logger
}

// Options tune the HTTP surface.
type Options struct {
	Version        string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	RateLimitRPS   float64
	RateLimitBurst int
	// Production redacts unexpected error details.
	Production bool
}

// API is the HTTP layer.
type API struct {
	users    *hierarchy.Service
	access   *access.Decider
	identity *identity.Engine
	bulk     *bulk.Reconciler
	verifier TokenVerifier
	auditLog audit.Lister
	ready    ReadyProbe
	metrics  *obs.Metrics
	log      *zap.Logger
	opts     Options
	router   chi.Router
}

func New(deps Deps, opts Options) *API {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	a := &API{
		users:    deps.Users,
		access:   deps.Access,
		identity: deps.Identity,
		bulk:     deps.Bulk,
		verifier: deps.Verifier,
		auditLog: deps.AuditLog,
		ready:    deps.Ready,
		metrics:  deps.Metrics,
		log:      deps.Log.Named("http"),
		opts:     opts,
	}
	a.router = a.routes()
	return a
}

// Handler returns the root handler for http.Server.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Instrument(a.metrics))
	r.Use(AccessLog(a.log))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(RateLimit(a.opts.RateLimitRPS, a.opts.RateLimitBurst))
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		if a.opts.RequestTimeout > 0 {
			v1.Use(middleware.Timeout(a.opts.RequestTimeout))
		}
		v1.Post("/session", a.createSession)

		v1.Group(func(p chi.Router) {
			p.Use(a.authenticate)
			p.Get("/me", a.me)

			p.Route("/users", func(users chi.Router) {
				users.Get("/", a.listUsers)
				users.Post("/", a.createUser)
				users.Route("/{id}", func(u chi.Router) {
					u.Get("/", a.getUser)
					u.Patch("/", a.patchUser)
					u.Delete("/", a.deleteUser)
					u.Post("/deactivate", a.deactivateUser)
					u.Get("/descendants", a.descendants)
					u.Get("/descendant-counts", a.descendantCounts)
					u.Get("/ancestors", a.ancestors)
					u.Get("/access", a.checkAccess)
					u.Get("/audit", a.userAudit)
					u.Put("/parent", a.assignParent)
					u.Delete("/parent", a.removeParent)
					u.Post("/repair-path", a.repairPath)
				})
			})
			p.Post("/bulk-import", a.bulkImport)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "wealth-portal",
		"version": a.opts.Version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			a.log.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeServiceError translates service errors. Validation reasons are safe
// to show to administrators; unexpected errors are redacted in production.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, hierarchy.ErrValidation):
		payload := map[string]any{
			"error":   "validation failed",
			"reasons": hierarchy.Reasons(err),
		}
		if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusBadRequest, payload)
	case errors.Is(err, hierarchy.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, hierarchy.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, hierarchy.ErrAccountInactive):
		writeError(w, r, http.StatusForbidden, "account is inactive")
	case errors.Is(err, hierarchy.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		a.log.Warn("store unavailable",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to send
		w.WriteHeader(499)
	default:
		a.log.Error("request failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("route", routePattern(r)),
			zap.Error(err))
		msg := err.Error()
		if a.opts.Production {
			msg = "internal error"
		}
		writeError(w, r, http.StatusInternalServerError, msg)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
