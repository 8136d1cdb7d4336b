package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospector/internal/jobs"
)

var discoverCmd = &cobra.Command{
	Use:   "discover <run-id>",
	Short: "Queue extra discovery queries for an existing run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		queries, _ := cmd.Flags().GetStringSlice("query")
		if len(queries) == 0 {
			return eris.New("at least one --query is required")
		}
		drain, _ := cmd.Flags().GetBool("drain")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Store.GetRun(ctx, args[0]); err != nil {
			return eris.Wrap(err, "load run")
		}

		job, err := jobs.EnqueueBatchDiscovery(ctx, env.Store, args[0], queries)
		if err != nil {
			return err
		}
		fmt.Printf("queued batch discovery job %s with %d quer(ies)\n", job.ID, len(queries))

		if drain {
			drainJobs(ctx, env.Dispatcher, maxDrainTicks)
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().StringSlice("query", nil, "discovery query (repeatable)")
	discoverCmd.Flags().Bool("drain", false, "drain the job queue before exiting")
	rootCmd.AddCommand(discoverCmd)
}
