package main

import (
	"fmt"

	"github.com/isoautomate/browserq"
	"github.com/isoautomate/browserq/pwbrowser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var (
		concurrency   int
		install       bool
		metricsAddr   string
		minConfidence float64
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run browser workers that execute queued jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			cfg := *ctx.cfg
			if concurrency > 0 {
				cfg.Concurrency = concurrency
			}

			rdb, err := ctx.redis(runCtx)
			if err != nil {
				return err
			}
			objects, err := ctx.objects(runCtx)
			if err != nil {
				return fmt.Errorf("object storage: %w", err)
			}

			browser, err := pwbrowser.Launch(pwbrowser.Config{Headless: cfg.Headless, Install: install}, ctx.log)
			if err != nil {
				return err
			}
			defer browser.Close()

			reg := prometheus.NewRegistry()
			metrics := browserq.NewMetrics(reg)

			queue := browserq.NewQueue(rdb, cfg, browserq.WithQueueLogger(ctx.log), browserq.WithQueueMetrics(metrics))
			tracker := browserq.NewTracker(rdb, queue, cfg, ctx.log)

			execOpts := []browserq.ExecutorOption{
				browserq.WithExecutorLogger(ctx.log),
				browserq.WithSessionStore(browserq.NewRedisSessionStore(rdb, cfg), cfg.SessionTTL),
				browserq.WithLocalUploadDir(cfg.LocalUploadDir),
				browserq.WithMinConfidence(minConfidence),
			}
			if objects != nil {
				execOpts = append(execOpts, browserq.WithObjectStore(objects))
			}
			executor := browserq.NewExecutor(browser, execOpts...)

			worker := browserq.NewWorker(queue, executor, cfg,
				browserq.WithTracker(tracker),
				browserq.WithWorkerMetrics(metrics),
				browserq.WithWorkerLogger(ctx.log),
			)

			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error { return worker.Run(gctx) })
			if metricsAddr != "" {
				g.Go(func() error { return serveMetrics(gctx, metricsAddr, reg) })
			}
			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Jobs executed in parallel (default WORKER_CONCURRENCY)")
	cmd.Flags().BoolVar(&install, "install", false, "Install Playwright browsers before starting")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "Skip form mappings below this confidence")
	return cmd
}
