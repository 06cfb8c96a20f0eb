// Package server exposes the geo gateway and the operator triggers over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/coverage"
	"github.com/courtatlas/geocurator/internal/importer"
	"github.com/courtatlas/geocurator/internal/regions"
	"github.com/courtatlas/geocurator/internal/repair"
	"github.com/courtatlas/geocurator/pkg/geocode"
)

// Importer runs one region rotation tick.
type Importer interface {
	Tick(ctx context.Context) (importer.Report, error)
	Order() []regions.Region
}

// Backfiller consumes one backlog task.
type Backfiller interface {
	Run(ctx context.Context) (coverage.BackfillReport, error)
}

// Repairer runs a repair batch.
type Repairer interface {
	Run(ctx context.Context, opts repair.Options) (repair.Report, error)
}

// Tracker records a run. *runlog.Log satisfies it.
type Tracker interface {
	Track(ctx context.Context, job string, fn func(ctx context.Context) (map[string]any, error)) error
}

// Server holds the HTTP dependencies.
type Server struct {
	gateway  geocode.Gateway
	auth     *Authenticator
	importer Importer
	backfill Backfiller
	repair   Repairer
	runs     Tracker
	repaired repair.Options
	origins  []string
	validate *validator.Validate
	log      *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithImporter enables the import trigger and region listing.
func WithImporter(i Importer) Option { return func(s *Server) { s.importer = i } }

// WithBackfill enables the backfill trigger.
func WithBackfill(b Backfiller) Option { return func(s *Server) { s.backfill = b } }

// WithRepair enables the repair trigger. defaults fill request fields left
// at zero.
func WithRepair(r Repairer, defaults repair.Options) Option {
	return func(s *Server) {
		s.repair = r
		s.repaired = defaults
	}
}

// WithTracker records operator-triggered runs.
func WithTracker(t Tracker) Option { return func(s *Server) { s.runs = t } }

// WithAllowedOrigins sets the CORS origins. Default is any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// New creates a Server.
func New(gateway geocode.Gateway, auth *Authenticator, opts ...Option) *Server {
	s := &Server{
		gateway:  gateway,
		auth:     auth,
		origins:  []string{"*"},
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      zap.L().With(zap.String("component", "server")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Authenticate)

		r.Route("/geo", func(r chi.Router) {
			r.Post("/search", s.handleSearch)
			r.Post("/reverse", s.handleReverse)
			r.Post("/details", s.handleDetails)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.auth.RequireOperator)
			r.Get("/regions", s.handleRegions)
			r.Post("/import/tick", s.handleImportTick)
			r.Post("/backfill/run", s.handleBackfill)
			r.Post("/repair/run", s.handleRepair)
		})
	})
	return r
}

// Serve runs the HTTP server until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("server shutdown", zap.Error(err))
		}
	}()

	s.log.Info("starting server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
