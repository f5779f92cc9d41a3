package api

import (
	"net/http"
	"time"

	"github.com/brayalter/vmwatch/pkg/auth"
	"github.com/brayalter/vmwatch/pkg/logging"
	"github.com/brayalter/vmwatch/pkg/middleware"
	"github.com/brayalter/vmwatch/pkg/ratelimit"
	"github.com/brayalter/vmwatch/pkg/tracing"
	"github.com/gorilla/mux"
)

// ServerOptions configures the status server's middleware
type ServerOptions struct {
	Limiter *ratelimit.Limiter
	Tracer  *tracing.Provider
	Logger  *logging.Logger
	// Auth, when set, guards every route except /health
	Auth *auth.TokenGuard
}

// NewRouter builds the router with every route and middleware attached
func NewRouter(h *Handler, opts ServerOptions) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.AccessLog(opts.Logger))
	if opts.Tracer != nil {
		router.Use(tracing.HTTPMiddleware(opts.Tracer))
	}
	if opts.Limiter != nil {
		router.Use(opts.Limiter.Middleware(ratelimit.IPKeyFunc))
	}
	if opts.Auth != nil {
		router.Use(opts.Auth.Middleware)
	}
	h.RegisterRoutes(router)
	return router
}

// NewServer creates the status HTTP server. The caller starts it with
// ListenAndServe, or ListenAndServeTLS after setting TLSConfig, and stops it
// through the shutdown manager.
func NewServer(addr string, h *Handler, opts ServerOptions) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(h, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
