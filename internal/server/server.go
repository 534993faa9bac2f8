// Package server exposes the Dataglass HTTP API: connection
// management, query submission, display-tier pages, progress, and
// column statistics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/dataglass-labs/dataglass/internal/config"
	"github.com/dataglass-labs/dataglass/internal/notify"
	"github.com/dataglass-labs/dataglass/internal/session"
	"github.com/dataglass-labs/dataglass/internal/store"
)

// Server is the Dataglass API server.
type Server struct {
	cfg      *config.Config
	manager  *session.Manager
	state    *store.Store
	notifier *notify.Notifier
	logger   *slog.Logger
}

// Options assembles a Server.
type Options struct {
	Config   *config.Config
	Manager  *session.Manager
	State    *store.Store
	Notifier *notify.Notifier
	Logger   *slog.Logger
}

// New creates the API server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:      opts.Config,
		manager:  opts.Manager,
		state:    opts.State,
		notifier: opts.Notifier,
		logger:   logger,
	}
}

// Routes builds the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.Recoverer,
		middleware.Compress(5),
	)

	r.Route("/api", func(r chi.Router) {
		r.Route("/connections", func(r chi.Router) {
			r.Get("/", s.handleListConnections)
			r.Post("/", s.handleSaveConnection)
			r.Post("/test", s.handleTestConnection)
			r.Delete("/{name}", s.handleDeleteConnection)
		})

		r.Post("/query", s.handleSubmitQuery)
		r.Route("/query/{id}", func(r chi.Router) {
			r.Get("/", s.handleQueryState)
			r.Get("/pages/{page}", s.handleQueryPage)
			r.Post("/cancel", s.handleCancelQuery)
			r.Get("/stats/{column}", s.handleColumnStats)
		})

		r.Post("/dryrun", s.handleDryRun)
		r.Get("/history", s.handleHistory)
	})
	return r
}

// Serve starts the API server and blocks until the context is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info("starting API server", slog.String("addr", addr))

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down API server...")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
