package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/transam/sogr/internal/api"
	"github.com/transam/sogr/internal/authz"
	"github.com/transam/sogr/internal/events"
	"github.com/transam/sogr/internal/importer"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer env.Close()

		az, err := authz.New()
		if err != nil {
			return err
		}

		srv := api.New(api.Deps{
			Store:  env.Store,
			Events: events.NewService(env.Store, env.Dispatcher, env.Calendar),
			Importer: importer.New(env.Store, env.Dispatcher, importer.Options{
				BatchSize: cfg.Import.BatchSize,
				UploadDir: cfg.Import.UploadDir,
				Cache:     env.Cache,
			}),
			Jobs:           env.Dispatcher,
			Authz:          az,
			Cache:          env.Cache,
			CacheTTL:       env.CacheTTL,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		return startServer(ctx, srv.Handler(), resolvePort(servePort, cfg.Server.Port))
	},
}

// resolvePort prefers an explicit --port over the configured one.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort > 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves handler on port and drains in-flight requests once ctx
// is done.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zap.L().Info("api listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		drain, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		zap.L().Info("api draining")
		return eris.Wrap(srv.Shutdown(drain), "server shutdown")
	})
	return g.Wait()
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
