package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the full routing tree: JSON API, realtime events and the
// static frontend.
func NewRouter(api *API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoverJSON)
	r.Use(RequestLogger(api.logger))

	r.Get("/health", api.Health)
	r.Get("/ws", api.Events)

	r.Route("/api", func(apiRouter chi.Router) {
		// Pair and connect wait on the tool's long timeout windows, so the
		// request timeout sits well above them.
		apiRouter.Use(middleware.Timeout(60 * time.Second))

		apiRouter.Post("/init", api.Init)
		apiRouter.Post("/power", api.Power)
		apiRouter.Post("/scan", api.Scan)
		apiRouter.Get("/devices", api.ListDevices)
		apiRouter.Post("/pair", api.Pair)
		apiRouter.Post("/trust", api.Trust)
		apiRouter.Post("/connect", api.Connect)
		apiRouter.Post("/disconnect", api.Disconnect)
		apiRouter.Post("/remove", api.Remove)
		apiRouter.Post("/info", api.Info)
		apiRouter.Post("/command", api.Command)
		apiRouter.Get("/status", api.Status)
	})

	r.Get("/*", api.Static)
	r.Get("/", api.Static)
	return r
}

// RunServer starts and gracefully stops the HTTP server with context
// cancellation.
func RunServer(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
