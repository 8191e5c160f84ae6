// Package web implements the HTTP surface of the supervisor: the
// authenticated metrics-ingestion endpoints the training subprocesses report
// to, and a minimal JSON control API for operators.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	cache "github.com/go-pkgz/expirable-cache/v3"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/trainn/app/store"
	"github.com/umputun/trainn/app/supervisor"
	"github.com/umputun/trainn/app/tracker"
)

// Service is the job-management backend the server talks to
type Service interface {
	StartJob(ctx context.Context, command string) (store.Job, error)
	CancelJob(ctx context.Context, jobID string) (supervisor.Outcome, error)
	JobStatus(ctx context.Context, jobID string) (store.Job, error)
	ListJobs(ctx context.Context) ([]store.Job, error)
	OnStep(jobID string, step, epoch int, trainLoss float64)
	OnEvaluation(ctx context.Context, jobID string, c tracker.Checkpoint) error
}

// Server is the supervisor's http server
type Server struct {
	service      Service
	version      string
	passwordHash string // bcrypt hash for operator basic auth, empty to disable
	ingestLimit  float64
	authCache    cache.Cache[string, string] // job id -> verified metrics token
}

// Config holds server configuration
type Config struct {
	Service      Service
	Version      string
	PasswordHash string  // bcrypt hash for operator basic auth (empty to disable)
	IngestLimit  float64 // metric reports per second per client, 0 for default
}

// New creates the server
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	limit := cfg.IngestLimit
	if limit <= 0 {
		limit = 50
	}
	return &Server{
		service:      cfg.Service,
		version:      cfg.Version,
		passwordHash: cfg.PasswordHash,
		ingestLimit:  limit,
		authCache:    cache.NewCache[string, string]().WithTTL(time.Minute).WithMaxKeys(1000),
	}, nil
}

// Run starts the server, blocking until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting http server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("trainn", "umputun", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024), // 64KB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	// metric reports from training subprocesses, per-job token auth
	ingestLimiter := tollbooth.NewLimiter(s.ingestLimit, nil)
	router.Mount("/api/v1/jobs/{id}/metrics").Route(func(m *routegroup.Bundle) {
		m.Use(tollbooth.HTTPMiddleware(ingestLimiter), s.jobTokenAuth)
		m.HandleFunc("POST /steps", s.handleStep)
		m.HandleFunc("POST /evaluations", s.handleEvaluation)
	})

	// operator control API
	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		if s.passwordHash != "" {
			log.Printf("[INFO] operator authentication enabled")
			api.Use(s.operatorAuth)
		}
		api.HandleFunc("POST /jobs", s.handleStartJob)
		api.HandleFunc("GET /jobs", s.handleListJobs)
		api.HandleFunc("GET /jobs/{id}", s.handleJobStatus)
		api.HandleFunc("DELETE /jobs/{id}", s.handleCancelJob)
	})

	return router
}
