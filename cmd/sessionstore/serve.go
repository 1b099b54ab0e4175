package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/sessionstore/internal/api"
	"github.com/szaher/sessionstore/internal/cleanup"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the cleanup scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.close()
			if addr != "" {
				e.cfg.HTTP.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			facade, err := e.buildFacade(ctx)
			if err != nil {
				return err
			}

			opts := e.cleanupOptions()
			sched, err := cleanup.New(facade, opts)
			if err != nil {
				_ = facade.Close(context.Background())
				return err
			}
			sched.Start()

			handler := api.NewHandler(facade, e.metrics, e.logger).Router(api.RouterOptions{
				APIKey:         e.cfg.HTTP.APIKey,
				RateLimit:      e.cfg.HTTP.RateLimit,
				RequestTimeout: e.cfg.Pool.WaitTimeout + e.cfg.Pool.OpTimeout,
			})
			srv := &http.Server{
				Addr:              e.cfg.HTTP.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				e.logger.Info("http server listening", "addr", srv.Addr, "store_type", facade.StoreType())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				e.logger.Info("shutting down")
			case serveErr = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return errors.Join(
				serveErr,
				srv.Shutdown(shutdownCtx),
				sched.Stop(shutdownCtx),
				facade.Close(shutdownCtx),
			)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides SESSIONSTORE_HTTP_ADDR)")
	return cmd
}
