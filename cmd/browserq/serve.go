package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/isoautomate/browserq"
	"github.com/isoautomate/browserq/httpapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the jobs, tasks and sessions HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			cfg := *ctx.cfg
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			rdb, err := ctx.redis(runCtx)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics := browserq.NewMetrics(reg)

			queue := browserq.NewQueue(rdb, cfg, browserq.WithQueueLogger(ctx.log), browserq.WithQueueMetrics(metrics))
			srv := &httpapi.Server{
				Queue:    queue,
				Tracker:  browserq.NewTracker(rdb, queue, cfg, ctx.log),
				Sessions: browserq.NewRedisSessionStore(rdb, cfg),
				Gatherer: reg,
				Log:      ctx.log,
			}
			err = srv.ListenAndServe(runCtx, cfg.HTTPAddr)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default HTTP_ADDR)")
	return cmd
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
