package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/isoautomate/browserq"
	"github.com/spf13/cobra"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
		taskID  string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <payload.json|->",
		Short: "Enqueue a job from a JSON payload",
		Example: `  browserq enqueue job.json --wait
  echo '{"type":"navigate","url":"https://example.com"}' | browserq enqueue -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			raw, err := readPayload(args[0])
			if err != nil {
				return err
			}
			var p browserq.Payload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
			if taskID != "" {
				p.TaskID = taskID
			}

			rdb, err := ctx.redis(runCtx)
			if err != nil {
				return err
			}
			queue := browserq.NewQueue(rdb, *ctx.cfg, browserq.WithQueueLogger(ctx.log))

			id, err := queue.Enqueue(runCtx, p)
			if err != nil {
				return err
			}
			if !wait {
				return writeOutput(cmd.OutOrStdout(), map[string]string{"jobId": id})
			}

			res, err := queue.AwaitResult(runCtx, id, timeout)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), map[string]any{"jobId": id, "result": res})
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the result")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "How long to wait for the result")
	cmd.Flags().StringVar(&taskID, "task", "", "Correlate the job with this task id")
	return cmd
}

func readPayload(arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(arg)
}

func writeOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
