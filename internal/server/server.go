package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/archive"
	"github.com/silexlabs/silex/backend/internal/config"
	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/crypto"
	"github.com/silexlabs/silex/backend/internal/jobs"
	"github.com/silexlabs/silex/backend/internal/publish"
	"github.com/silexlabs/silex/backend/internal/server/handlers"
	"github.com/silexlabs/silex/backend/internal/server/middleware"
	"github.com/silexlabs/silex/backend/internal/session"
)

type Server struct {
	cfg        *config.Config
	router     chi.Router
	httpServer *http.Server

	sessions *session.Store
	cipher   *crypto.Cipher
	jobs     *jobs.Manager
	archives *archive.Store
	api      *handlers.API

	stopJanitors context.CancelFunc
	janitors     sync.WaitGroup
}

// New wires the connectors declared in cfg behind the HTTP API.
func New(cfg *config.Config) (*Server, error) {
	cipher, err := crypto.New(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	archives, err := archive.NewStore(cfg.TempDir)
	if err != nil {
		return nil, err
	}
	registry, err := cfg.BuildRegistry(archives)
	if err != nil {
		return nil, err
	}
	return NewWithRegistry(cfg, registry, archives, cipher), nil
}

// NewWithRegistry builds a server around an existing registry.
func NewWithRegistry(cfg *config.Config, registry *connector.Registry, archives *archive.Store, cipher *crypto.Cipher) *Server {
	jm := jobs.NewManager(cfg.Jobs.Retention)
	s := &Server{
		cfg:      cfg,
		sessions: session.NewStore(cfg.SessionIdleTimeout),
		cipher:   cipher,
		jobs:     jm,
		archives: archives,
		api: &handlers.API{
			Connectors: registry,
			Jobs:       jm,
			Publisher:  publish.NewService(registry, jm),
			Archives:   archives,
			Audit:      log.Logger,
		},
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks
	r.Get("/health", handlers.Health)
	r.Get("/ready", s.api.Ready)

	secure := strings.HasPrefix(s.cfg.BaseURL, "https://")
	r.Group(func(r chi.Router) {
		r.Use(middleware.Session(s.sessions, s.cipher, secure))

		r.Route("/api", func(r chi.Router) {
			r.Route("/connectors", func(r chi.Router) {
				r.Get("/", s.api.ListConnectors)
				r.Route("/{connectorId}", func(r chi.Router) {
					r.Get("/login", s.api.LoginPage)
					r.Post("/login", s.api.Login)
					r.Get("/callback", s.api.Callback)
					r.Post("/callback", s.api.Callback)
					r.Post("/logout", s.api.Logout)
					r.Get("/user", s.api.User)
				})
			})

			r.Route("/websites", func(r chi.Router) {
				r.Get("/", s.api.ListWebsites)
				r.Post("/", s.api.CreateWebsite)
				r.Route("/{websiteId}", func(r chi.Router) {
					r.Get("/", s.api.ReadWebsite)
					r.Put("/", s.api.UpdateWebsite)
					r.Delete("/", s.api.DeleteWebsite)
					r.Post("/duplicate", s.api.DuplicateWebsite)
					r.Get("/meta", s.api.GetWebsiteMeta)
					r.Put("/meta", s.api.SetWebsiteMeta)
					r.Post("/assets", s.api.UploadAssets)
					r.Delete("/assets", s.api.DeleteAssets)
					r.Get("/assets/*", s.api.ReadAsset)
				})
			})

			r.Post("/publish", s.api.Publish)

			r.Route("/jobs/{jobId}", func(r chi.Router) {
				r.Get("/", s.api.JobStatus)
				r.Get("/events", s.api.JobEvents)
			})
		})
	})

	r.Get("/download/{tempFile}", s.api.Download)

	s.router = r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Jobs exposes the job registry, mainly for tests.
func (s *Server) Jobs() *jobs.Manager { return s.jobs }

// startJanitors runs the periodic cleanup of idle sessions, finished jobs
// and stale archives.
func (s *Server) startJanitors() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopJanitors = cancel
	interval := s.cfg.Jobs.SweepInterval

	s.janitors.Add(3)
	go func() {
		defer s.janitors.Done()
		s.sessions.Run(ctx, interval)
	}()
	go func() {
		defer s.janitors.Done()
		s.jobs.Run(ctx, interval)
	}()
	go func() {
		defer s.janitors.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.archives.Sweep(s.cfg.Jobs.Retention); err != nil {
					log.Warn().Err(err).Msg("archive sweep failed")
				} else if n > 0 {
					log.Debug().Int("removed", n).Msg("stale archives removed")
				}
			}
		}
	}()
}

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.startJanitors()
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then waits for running jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	log.Info().Msg("Waiting for running jobs")
	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Jobs still running at shutdown deadline")
	}

	if s.stopJanitors != nil {
		s.stopJanitors()
		s.janitors.Wait()
	}
	return err
}
