package main

import (
	"github.com/isoautomate/browserq"
	"github.com/spf13/cobra"
)

func newRecoverCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Requeue or fail jobs whose worker lease expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := ctx.redis(cmd.Context())
			if err != nil {
				return err
			}
			queue := browserq.NewQueue(rdb, *ctx.cfg, browserq.WithQueueLogger(ctx.log))
			tracker := browserq.NewTracker(rdb, queue, *ctx.cfg, ctx.log)
			reaper := browserq.NewWorker(queue, nil, *ctx.cfg,
				browserq.WithTracker(tracker),
				browserq.WithWorkerLogger(ctx.log),
			)

			report, err := reaper.Recover(cmd.Context())
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), map[string]any{
				"requeued": report.Requeued,
				"failed":   report.Failed,
			})
		},
	}
}
