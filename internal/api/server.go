package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rlindsay/depotsync/internal/api/handlers"
	"github.com/rlindsay/depotsync/internal/depot"
	"github.com/rlindsay/depotsync/internal/scheduler"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr string
	srv  *http.Server
}

// New wires all routes and returns a Server ready to Run.
func New(addr string, ctrl *depot.Controller, sched *scheduler.Scheduler, version string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	progressH := &handlers.ProgressHandler{Controller: ctrl, Sched: sched}
	syncH := &handlers.SyncHandler{Controller: ctrl}
	syncsH := &handlers.SyncsHandler{Store: ctrl.Store()}
	mappingsH := &handlers.MappingsHandler{Store: ctrl.Store()}
	eventsH := &handlers.EventsHandler{Controller: ctrl, Sched: sched}
	statusH := &handlers.StatusHandler{Controller: ctrl, Sched: sched, Version: version}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)
		r.Get("/progress", progressH.ServeHTTP)
		r.Get("/events", eventsH.ServeHTTP)

		r.Post("/rebuild", syncH.Rebuild)
		r.Post("/cancel", syncH.Cancel)
		r.Post("/download-precreated", syncH.DownloadPrecreated)

		r.Get("/syncs", syncsH.List)
		r.Get("/syncs/{id}", syncsH.Get)

		r.Get("/mappings", mappingsH.List)
	})

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: r},
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		return s.srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
