// Package web provides the HTTP API for loader change control and bulk
// imports.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/loadergate/internal/config"
	"github.com/JonMunkholm/loadergate/internal/database"
	"github.com/JonMunkholm/loadergate/internal/importer"
	"github.com/JonMunkholm/loadergate/internal/loader"
	"github.com/JonMunkholm/loadergate/internal/web/middleware"
)

// Server is the HTTP server.
type Server struct {
	engine  *loader.Engine
	imports *importer.Orchestrator
	db      database.Pinger
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server
}

// NewServer wires the API onto a chi router. db may be nil, in which case
// /healthz only reports that the process is up.
func NewServer(engine *loader.Engine, imports *importer.Orchestrator, db database.Pinger, cfg *config.Config) *Server {
	s := &Server{
		engine:  engine,
		imports: imports,
		db:      db,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(&s.cfg.Security))
		r.Use(middleware.Identity(&s.cfg.Security))

		// Imports run under the batch timeout instead of the request timeout.
		r.Post("/imports", s.handleImport)

		r.Group(func(r chi.Router) {
			if s.cfg.Server.RequestTimeout > 0 {
				r.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
			}

			r.Get("/loaders", s.handleListLoaders)
			r.Get("/loaders/{code}", s.handleGetLoader)
			r.Get("/loaders/{code}/history", s.handleLoaderHistory)
			r.Post("/loaders/{code}/drafts", s.handleCreateDraft)

			r.Get("/versions/{id}", s.handleGetVersion)
			r.Put("/versions/{id}", s.handleUpdateDraft)
			r.Get("/versions/{id}/approvals", s.handleVersionApprovals)
			r.Post("/versions/{id}/submit", s.handleSubmit)
			r.Post("/versions/{id}/resubmit", s.handleResubmit)
			r.Post("/versions/{id}/approve", s.handleApprove)
			r.Post("/versions/{id}/reject", s.handleReject)
			r.Post("/versions/{id}/revoke", s.handleRevoke)
			r.Post("/versions/{id}/restore", s.handleRestore)
			r.Post("/versions/{id}/force-activate", s.handleForceActivate)

			r.Get("/approvals", s.handlePendingApprovals)
			r.Get("/approvals/{entityType}/{entityID}", s.handleApprovalHistory)

			r.Get("/imports", s.handleListImports)
			r.Get("/imports/{id}", s.handleGetImport)
			r.Get("/imports/{id}/errors", s.handleImportErrors)
			r.Get("/imports/status", s.handleImportStatus)
			r.Get("/imports/template", s.handleImportTemplate)

			r.Get("/export", s.handleExport)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := database.ReadinessCheck(r.Context(), s.db); err != nil {
			slog.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
