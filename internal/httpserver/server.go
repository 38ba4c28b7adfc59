// Package httpserver is the operator console: a server-rendered front over
// one session, with every page behind the route guard.
package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/al-bashkir/opsdash-auth/internal/config"
	"github.com/al-bashkir/opsdash-auth/internal/flows"
	"github.com/al-bashkir/opsdash-auth/internal/guard"
	"github.com/al-bashkir/opsdash-auth/internal/session"
	"github.com/al-bashkir/opsdash-auth/internal/tokenstore"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Deps are the components the console serves.
type Deps struct {
	Machine *session.Machine
	Flows   *flows.Set
	Store   *tokenstore.Store
	Version string
}

// Server is the HTTP server for the operator console and health checks
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	router     *mux.Router
	templates  *template.Template
	deps       Deps

	pageLimiter *clientLimiter
	formLimiter *clientLimiter
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Machine == nil || deps.Flows == nil {
		return nil, errors.New("httpserver: session and flows are required")
	}

	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		router:    mux.NewRouter(),
		templates: templates,
		deps:      deps,
		// 10 requests per second per IP, burst of 50
		pageLimiter: newClientLimiter(10, 50),
		// Credential and passcode submissions: one every 2 seconds, burst of 5
		formLimiter: newClientLimiter(0.5, 5),
	}

	s.routes()

	// Wrap with middleware
	handler := loggingMiddleware(s.router)
	handler = recoveryMiddleware(handler)
	handler = s.pageLimiter.wrap(handler)
	handler = requestIDMiddleware(handler)
	handler = securityHeadersMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

// routes registers the health check outside the guard and every page
// behind it. The catch-all keeps unknown paths under the guard as well.
func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	pages := s.router.NewRoute().Subrouter()
	pages.Use(s.guardMiddleware)

	get := func(path string, h http.HandlerFunc) {
		pages.HandleFunc(path, h).Methods(http.MethodGet)
	}
	post := func(path string, h http.HandlerFunc) {
		pages.Handle(path, s.formLimiter.wrap(h)).Methods(http.MethodPost)
	}

	get(guard.PathRoot, s.handleRoot)

	get(guard.PathLogin, s.handleLoginPage)
	post(guard.PathLogin, s.handleLoginSubmit)

	get(guard.PathOTP, s.handleOTPPage)
	post(guard.PathOTP, s.handleOTPSubmit)

	get(guard.PathForgotPassword, s.handleForgotPage)
	post(guard.PathForgotPassword, s.handleForgotSubmit)

	get(guard.PathForgotVerify, s.handleForgotVerifyPage)
	post(guard.PathForgotVerify, s.handleForgotVerifySubmit)

	get(guard.PathForgotReset, s.handleForgotResetPage)
	post(guard.PathForgotReset, s.handleForgotResetSubmit)

	get(guard.PathDashboard, s.handleDashboard)
	post(PathProfile, s.handleProfileSubmit)
	post(guard.PathLogout, s.handleLogout)

	pages.PathPrefix("/").HandlerFunc(s.handleNotFound)
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting operator console",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down operator console")
	s.pageLimiter.Stop()
	s.formLimiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
