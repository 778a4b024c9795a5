package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-lti/internal/metrics"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ags"
	"github.com/mind-engage/mindengage-lti/pkg/tool/launch"
	"github.com/mind-engage/mindengage-lti/pkg/tool/login"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registration"
	"github.com/mind-engage/mindengage-lti/pkg/tool/trust"
)

// KeySetInvalidator forgets the cached key set fetched from uri.
type KeySetInvalidator interface {
	Invalidate(uri string)
}

// Server wires the LTI engines to HTTP. Nil optional fields disable the
// routes that need them.
type Server struct {
	Login     *login.Initiator
	Launch    *launch.Verifier
	Registrar *registration.Registrar
	Trust     trust.Store
	JWKS      http.Handler
	Metrics   *metrics.Metrics
	Logger    *zap.SugaredLogger

	// Grades posts to platform gradebooks from the admin API; nil disables it.
	Grades *ags.Grader
	// KeySets drops cached platform key sets when admins change trust records.
	KeySets KeySetInvalidator

	CORSOrigins    []string
	AdminUser      string
	AdminPassHash  string // bcrypt; empty leaves /admin unmounted
	RequestTimeout time.Duration

	// Ready backs /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.logger(), s.Metrics), middleware.Recoverer)
	if s.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins(),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Length", "ETag"},
		MaxAge:         300,
	}))

	r.Route("/lti", func(lr chi.Router) {
		lr.Get("/login", s.handleLogin)
		lr.Post("/login", s.handleLogin)
		lr.Post("/launch", s.handleLaunch)
		if s.Registrar != nil {
			lr.Get("/register", s.handleRegister)
		}
	})

	if s.JWKS != nil {
		r.Method(http.MethodGet, "/.well-known/jwks.json", s.JWKS)
		r.Method(http.MethodHead, "/.well-known/jwks.json", s.JWKS)
	}

	if s.AdminPassHash != "" && s.Trust != nil {
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(basicAuth(s.AdminUser, s.AdminPassHash))
			ar.Get("/platforms", listPlatforms(s.Trust))
			ar.Put("/platforms", putPlatform(s.Trust, s.invalidate, s.logger()))
			ar.Get("/platforms/{issuer}", getPlatform(s.Trust))
			ar.Delete("/platforms/{issuer}", deletePlatform(s.Trust, s.invalidate, s.logger()))
			if s.Grades != nil {
				ar.Get("/lineitems", listLineItems(s.Grades))
				ar.Post("/lineitems", createLineItem(s.Grades))
				ar.Post("/scores", postScore(s.Grades, s.logger()))
			}
		})
	}

	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", s.handleReady)
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			s.logger().Warnw("not ready", "error", err)
			writeErr(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// invalidate drops the cached key set for uri, if any.
func (s *Server) invalidate(uri string) {
	if s.KeySets != nil && uri != "" {
		s.KeySets.Invalidate(uri)
	}
}

func (s *Server) corsOrigins() []string {
	if len(s.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return s.CORSOrigins
}

func (s *Server) logger() *zap.SugaredLogger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop().Sugar()
}
