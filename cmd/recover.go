package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Requeue jobs left running by a crashed worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			olderThan = staleAfter()
		}

		n, err := st.RecoverStaleJobs(ctx, olderThan)
		if err != nil {
			return eris.Wrap(err, "recover")
		}
		fmt.Printf("requeued %d stale job(s) older than %s\n", n, olderThan)
		return nil
	},
}

// staleAfter is how long a job may stay running before it is presumed lost.
func staleAfter() time.Duration {
	if cfg.Dispatcher.StaleAfterMins <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(cfg.Dispatcher.StaleAfterMins) * time.Minute
}

func init() {
	recoverCmd.Flags().Duration("older-than", 0, "running age after which a job is requeued (default from config)")
	rootCmd.AddCommand(recoverCmd)
}
