package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"certchain/internal/platform/httpserver"
)

func serveCommand() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, ledger submitter, reconciler and artifact worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := commonRun()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, log, migrate)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := httpserver.New(cfg.Server.Addr, a.router, cfg.Server.RequestTimeout)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("starting server", "addr", cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				log.Info("shutting down server")
				return srv.Shutdown(shutdownCtx)
			})
			for _, r := range a.runners {
				g.Go(func() error {
					log.Debug("starting background component", "component", r.name)
					if err := r.run(gctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error("background component stopped", "component", r.name, "error", err)
						return err
					}
					return nil
				})
			}

			if err := g.Wait(); err != nil {
				return err
			}
			log.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the Postgres schema before serving")
	return cmd
}
