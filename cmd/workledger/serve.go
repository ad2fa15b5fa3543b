package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/workledger/internal/server"
)

const (
	healthInterval  = 15 * time.Second
	shutdownTimeout = 30 * time.Second
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the gRPC health service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			log := a.logger

			ctrl, err := a.controller(ctx, false)
			if err != nil {
				return err
			}
			if n, err := ctrl.RecoverInterrupted(ctx); err != nil {
				log.Error("serve.recover_failed", "error", err)
			} else if n > 0 {
				log.Warn("serve.recovered_jobs", "paused", n)
			}

			pipelines := map[string]server.BatchRunner{}
			if sched, err := a.seoScheduler(); err != nil {
				log.Warn("serve.pipeline_disabled", "pipeline", "seo", "error", err)
			} else {
				pipelines["seo"] = sched
			}
			if sched, err := a.linkScheduler(); err != nil {
				log.Warn("serve.pipeline_disabled", "pipeline", "links", "error", err)
			} else {
				pipelines["links"] = sched
			}

			srv := server.NewServer(server.Deps{
				SEO:       a.seoService(),
				Pipelines: pipelines,
				Jobs:      ctrl,
				Export:    a.exportService(),
				Health:    a.stores,
				Metrics:   a.recorder.Handler(),
				Batch:     a.cfg.Batch,
				UploadDir: os.TempDir(),
			}, log)

			httpSrv := &http.Server{
				Addr:              a.cfg.Server.HTTPAddr,
				Handler:           srv.Router(),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			grpcSrv, hs := server.NewGRPCServer()
			lis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
			if err != nil {
				return err
			}
			go server.WatchHealth(ctx, hs, a.stores, healthInterval, log)

			errCh := make(chan error, 2)
			go func() {
				log.Info("serve.http", "addr", httpSrv.Addr)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			go func() {
				log.Info("serve.grpc", "addr", lis.Addr().String())
				if err := grpcSrv.Serve(lis); err != nil {
					errCh <- err
				}
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
				log.Error("serve.failed", "error", serveErr)
			}

			log.Info("serve.shutting_down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				log.Error("serve.http_shutdown", "error", err)
			}
			grpcSrv.GracefulStop()
			// Running jobs see the cancelled base context and pause themselves.
			stop()
			ctrl.Wait()
			log.Info("serve.stopped")
			return serveErr
		},
	}
}
