package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one bounded dispatcher tick and print the result",
	Long:  "Claims up to dispatcher.max_claims_per_tick due jobs, runs their handlers and exits. Intended for cron or serverless invocations.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		recoverStale, _ := cmd.Flags().GetBool("recover")
		if recoverStale {
			n, err := env.Store.RecoverStaleJobs(ctx, staleAfter())
			if err != nil {
				return eris.Wrap(err, "tick: recover stale jobs")
			}
			if n > 0 {
				zap.L().Info("reclaimed stale jobs", zap.Int("count", n))
			}
		}

		res, tickErr := env.Dispatcher.Tick(ctx)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return eris.Wrap(err, "tick: encode result")
		}
		return tickErr
	},
}

func init() {
	tickCmd.Flags().Bool("recover", true, "requeue jobs stuck in running before claiming")
	rootCmd.AddCommand(tickCmd)
}
