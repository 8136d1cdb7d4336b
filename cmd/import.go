package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospector/internal/importer"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/pipeline"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create runs for every search in a CSV or XLSX file",
	Long:  "Reads a header row naming industry and location (plus optional keywords, company_size and max_results) and creates one run per row. With --execute the runs are driven to completion before exiting.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sheet, _ := cmd.Flags().GetString("sheet")
		owner, _ := cmd.Flags().GetString("owner")
		execute, _ := cmd.Flags().GetBool("execute")

		searches, err := importer.ReadFile(ctx, args[0], importer.Options{Sheet: sheet})
		if err != nil {
			return err
		}
		if len(searches) == 0 {
			fmt.Println("no searches found")
			return nil
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		results, err := importSearches(ctx, env, searches, owner, execute, cfg.Pipeline.MaxConcurrent)
		if err != nil {
			return err
		}
		if execute {
			drainJobs(ctx, env.Dispatcher, maxDrainTicks)
		}
		return formatImport(os.Stdout, results)
	},
}

// importResult is one imported search and the run it maps to.
type importResult struct {
	Search  model.SearchContext
	Run     *model.Run
	Created bool
}

// importSearches creates a run per search. Searches that already have a run
// for the owner reuse it. When execute is set, runs are executed with at
// most concurrency in flight and reloaded afterwards.
func importSearches(ctx context.Context, e *env, searches []model.SearchContext, owner string, execute bool, concurrency int) ([]importResult, error) {
	results := make([]importResult, len(searches))
	for i, s := range searches {
		run, created, err := e.Orchestrator.Start(ctx, pipeline.StartRequest{OwnerID: owner, Search: s})
		if err != nil {
			return nil, eris.Wrapf(err, "import: start run for %s in %s", s.Industry, s.Location)
		}
		results[i] = importResult{Search: s, Run: run, Created: created}
	}
	if !execute {
		return results, nil
	}

	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range results {
		runID := results[i].Run.ID
		g.Go(func() error {
			if err := e.Orchestrator.Execute(gctx, runID); err != nil {
				zap.L().Warn("import: run did not complete", zap.String("run_id", runID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		run, err := e.Store.GetRun(ctx, results[i].Run.ID)
		if err != nil {
			return nil, eris.Wrap(err, "import: reload run")
		}
		results[i].Run = run
	}
	return results, nil
}

func formatImport(w io.Writer, results []importResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tSEARCH\tNEW\tSTATUS")
	created := 0
	for _, r := range results {
		if r.Created {
			created++
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n",
			truncateID(r.Run.ID),
			searchLabel(r.Search),
			r.Created,
			r.Run.Status,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d search(es), %d new run(s)\n", len(results), created)
	return err
}

func init() {
	importCmd.Flags().String("sheet", "", "XLSX sheet name (default first sheet)")
	importCmd.Flags().String("owner", "cli", "owner id for created runs")
	importCmd.Flags().Bool("execute", false, "execute the runs before exiting")
	rootCmd.AddCommand(importCmd)
}
