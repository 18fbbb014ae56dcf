package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"tourguide.org/internal/auth"
	"tourguide.org/internal/obs"
)

const serviceName = "tourguide-auth"

// ReadyProbe reports whether the backing store can serve requests.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Options tunes the HTTP surface.
type Options struct {
	Version            string
	CORSAllowedOrigins []string
	LoginRateRPS       float64
	LoginRateBurst     int
	MaxBodyBytes       int64
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	Logger     *slog.Logger
}

// API is the HTTP access layer over the auth service.
type API struct {
	svc     *auth.Service
	rbac    *auth.RBACService
	ready   ReadyProbe
	opts    Options
	limiter *ipLimiter
	log     *slog.Logger
	router  chi.Router
}

// New builds the router. rbac may be nil, in which case role administration answers 503.
func New(svc *auth.Service, rbac *auth.RBACService, ready ReadyProbe, opts Options) *API {
	if opts.LoginRateRPS <= 0 {
		opts.LoginRateRPS = 5
	}
	if opts.LoginRateBurst <= 0 {
		opts.LoginRateBurst = 10
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if len(opts.CORSAllowedOrigins) == 0 {
		opts.CORSAllowedOrigins = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = obs.Logger()
	}
	a := &API{
		svc:     svc,
		rbac:    rbac,
		ready:   ready,
		opts:    opts,
		limiter: newIPLimiter(opts.LoginRateRPS, opts.LoginRateBurst),
		log:     opts.Logger,
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	if a.opts.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(a.Logging)
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.opts.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: false,
		MaxAge:           600,
	}))
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))
	r.Use(obs.Instrument)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1/auth", func(r chi.Router) {
		r.With(a.limiter.Middleware).Post("/login", a.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(a.Authenticated)
			r.Post("/logout", a.handleLogout)
			r.Post("/logout-all", a.handleLogoutAll)
			r.Get("/me", a.handleMe)
			r.Post("/password", a.handleChangePassword)
		})
	})

	r.Route("/v1/identities", func(r chi.Router) {
		r.Use(a.Authenticated)
		r.Use(a.RequirePermissions(auth.MustPermission("users.manage")))
		r.Post("/", a.handleRegister)
		r.Post("/{id}/deactivate", a.handleDeactivate)
		r.Put("/{id}/roles/{role}", a.handleAssignRole)
		r.Delete("/{id}/roles/{role}", a.handleRevokeRole)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler {
	return a.router
}

// Close stops background work owned by the API.
func (a *API) Close() {
	a.limiter.Stop()
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready.Ping(r.Context()); err != nil {
			a.log.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
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
