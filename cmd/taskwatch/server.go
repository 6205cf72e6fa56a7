package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// serve runs the tracker and the HTTP API until ctx is cancelled, then shuts
// the server down gracefully.
func (app *application) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Shutdown does not touch hijacked connections; streams end with the base context
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error { return app.tracker.Run(gctx) })

	if app.nats != nil {
		unsubscribe, err := app.listenForPeers(gctx)
		if err != nil {
			return err
		}
		defer func() { _ = unsubscribe() }()
	}

	g.Go(func() error {
		app.logger.Info("starting server", "port", app.config.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	app.logger.Info("shutdown completed")
	return nil
}
