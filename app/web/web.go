// Package web implements the HTTP API of agentviz: dataset upload, visualization jobs and the admin log
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/agentviz/agentviz/app/agent"
	"github.com/agentviz/agentviz/app/dataset"
	"github.com/agentviz/agentviz/app/llm"
	"github.com/agentviz/agentviz/app/registry"
	"github.com/agentviz/agentviz/app/web/persistence"
)

// Server represents the web server
type Server struct {
	registry      *registry.Registry
	runner        Generator
	models        ModelLister
	datasets      DatasetStore
	store         Persistence // nil if history is not persisted
	notifier      Notifier    // nil if notifications are disabled
	version       string
	passwordHash  string        // bcrypt hash for admin basic auth
	heartbeat     time.Duration // stream heartbeat interval
	maxUploadSize int64
	maxLogs       int
	limiter       *limiter.Limiter
}

// Generator runs generation jobs
type Generator interface {
	Generate(ctx context.Context, req agent.Request) (agent.Result, error)
}

// ModelLister lists models available for credentials
type ModelLister interface {
	Models(ctx context.Context, c llm.Credentials) ([]llm.Model, error)
}

// DatasetStore keeps the uploaded dataset
type DatasetStore interface {
	Save(name string, r io.Reader) (*dataset.Frame, error)
	Current() (*dataset.Frame, error)
}

// Persistence stores finished job logs
type Persistence interface {
	SaveLog(ctx context.Context, e registry.LogEntry) error
	LoadLogs(ctx context.Context, limit int) ([]registry.LogEntry, error)
	Cleanup(ctx context.Context, keep int) error
	Purge(ctx context.Context) error
	Close() error
}

// Notifier reports finished jobs
type Notifier interface {
	Notify(ctx context.Context, e registry.LogEntry) error
}

// Config holds server configuration
type Config struct {
	DBPath        string // sqlite file for log history, empty disables persistence
	Version       string
	Registry      *registry.Registry
	Runner        Generator
	Models        ModelLister
	Datasets      DatasetStore
	Notifier      Notifier      // optional
	PasswordHash  string        // bcrypt hash for admin basic auth (empty to disable)
	Heartbeat     time.Duration // log stream heartbeat, 15s by default
	MaxUploadSize int64         // upload limit, dataset.DefaultMaxSize by default
	MaxLogs       int           // persisted history size, registry.DefaultMaxLogs by default
	GenerateRate  float64       // generation requests per second per client, 1 by default
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil || cfg.Runner == nil || cfg.Models == nil || cfg.Datasets == nil {
		return nil, fmt.Errorf("web server initialization failed: registry, runner, models and datasets are required")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = dataset.DefaultMaxSize
	}
	if cfg.MaxLogs <= 0 {
		cfg.MaxLogs = registry.DefaultMaxLogs
	}
	if cfg.GenerateRate <= 0 {
		cfg.GenerateRate = 1
	}

	lmt := tollbooth.NewLimiter(cfg.GenerateRate, nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	lmt.SetMessage(`{"error":"too many requests"}`)
	lmt.SetMessageContentType("application/json")

	s := &Server{
		registry:      cfg.Registry,
		runner:        cfg.Runner,
		models:        cfg.Models,
		datasets:      cfg.Datasets,
		version:       cfg.Version,
		passwordHash:  cfg.PasswordHash,
		heartbeat:     cfg.Heartbeat,
		maxUploadSize: cfg.MaxUploadSize,
		maxLogs:       cfg.MaxLogs,
		limiter:       lmt,
		notifier:      cfg.Notifier,
	}

	if cfg.DBPath != "" {
		store, err := persistence.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("web server initialization failed: failed to create SQLite store at %q: %w", cfg.DBPath, err)
		}
		s.store = store
	}
	return s, nil
}

// Run starts the web server and blocks until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	s.loadHistory(ctx)

	// subscribe before serving, so no finished job is missed
	_, events, unsubscribe := s.registry.Subscribe()
	go func() {
		defer unsubscribe()
		s.processEvents(ctx, events)
	}()

	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		// no WriteTimeout, generation requests and the log stream are long-lived
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				log.Printf("[WARN] failed to close store: %v", err)
			}
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware, applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("agentviz", "agentviz", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(s.maxUploadSize+64*1024), // upload plus multipart overhead
	)

	router.Mount("/api").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.Group().Route(func(r *routegroup.Bundle) {
			r.Use(logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler)

			r.HandleFunc("POST /upload", s.handleUpload)
			r.HandleFunc("GET /dataset", s.handleDataset)
			r.With(s.credentialsMiddleware).HandleFunc("GET /check_api_key", s.handleCheckAPIKey)

			generate := r.With(s.credentialsMiddleware, tollbooth.HTTPMiddleware(s.limiter))
			generate.HandleFunc("GET /visualizations", s.handleVisualizations)
			generate.HandleFunc("POST /visualizations/prompt", s.handlePromptVisualization)

			r.HandleFunc("POST /jobs/cancel", s.handleCancelJob)
			r.HandleFunc("GET /jobs/current", s.handleCurrentJob)
			r.HandleFunc("GET /jobs/{id}", s.handleJobStatus)
			r.HandleFunc("POST /reset", s.handleReset)
		})

		// admin routes, the stream is kept out of the request logger as it never completes
		api.Mount("/admin").Route(func(admin *routegroup.Bundle) {
			if s.passwordHash != "" {
				log.Printf("[INFO] authentication enabled for admin api")
				admin.Use(s.adminAuthMiddleware)
			}
			admin.Use(s.credentialsMiddleware)
			admin.With(logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler).
				HandleFunc("GET /logs", s.handleLogs)
			admin.HandleFunc("GET /logs/stream", s.handleLogStream)
		})
	})

	return router
}
