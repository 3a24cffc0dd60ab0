// Package api serves the JSON HTTP interface over assets, events and
// uploads. Callers are identified by the X-User header set by the gateway.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transam/sogr/internal/authz"
	"github.com/transam/sogr/internal/cache"
	"github.com/transam/sogr/internal/events"
	"github.com/transam/sogr/internal/importer"
	"github.com/transam/sogr/internal/jobs"
	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/store"
)

// UserHeader carries the authenticated username.
const UserHeader = "X-User"

// Deps are the services the API is built on.
type Deps struct {
	Store          store.Store
	Events         *events.Service
	Importer       *importer.Importer
	Jobs           jobs.Dispatcher
	Authz          *authz.Authorizer
	Cache          cache.Cache
	CacheTTL       time.Duration
	AllowedOrigins []string
}

// Server holds the API handlers.
type Server struct {
	store    store.Store
	events   *events.Service
	importer *importer.Importer
	jobs     jobs.Dispatcher
	authz    *authz.Authorizer
	cache    cache.Cache
	cacheTTL time.Duration
	origins  []string
}

// New creates a Server.
func New(d Deps) *Server {
	c := d.Cache
	if c == nil {
		c = cache.Nop{}
	}
	ttl := d.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Server{
		store:    d.Store,
		events:   d.Events,
		importer: d.Importer,
		jobs:     d.Jobs,
		authz:    d.Authz,
		cache:    c,
		cacheTTL: ttl,
		origins:  d.AllowedOrigins,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", UserHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/assets", func(r chi.Router) {
			r.Get("/", s.searchAssets)
			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", s.getAsset)
				r.Post("/recalculate", s.recalculate)
				r.Get("/events", s.listEvents)
				r.Post("/events", s.createEvent)
				r.Put("/events/{eventKey}", s.updateEvent)
				r.Delete("/events/{eventKey}", s.deleteEvent)
			})
		})

		r.Post("/uploads", s.createUpload)
		r.Post("/uploads/{id}/resubmit", s.resubmitUpload)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userKey struct{}

// authenticate resolves the X-User header to a stored user.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get(UserHeader)
		if name == "" {
			writeMessage(w, http.StatusForbidden, "missing "+UserHeader+" header")
			return
		}
		u, err := s.store.GetUser(r.Context(), name)
		if err != nil {
			if isNotFound(err) {
				writeMessage(w, http.StatusForbidden, "unknown user")
				return
			}
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
	})
}

func userFrom(ctx context.Context) *model.User {
	u, _ := ctx.Value(userKey{}).(*model.User)
	return u
}
