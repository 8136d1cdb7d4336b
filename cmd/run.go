package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/jobs"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/pipeline"
	"github.com/sells-group/prospector/internal/store"
)

var (
	runIndustry    string
	runLocation    string
	runKeywords    []string
	runCompanySize string
	runMaxResults  int
	runOwner       string
	runResume      string
)

// maxDrainTicks bounds the post-run queue drain.
const maxDrainTicks = 20

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for one search in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var (
			run    *model.Run
			runErr error
		)
		if runResume != "" {
			runErr = env.Orchestrator.Execute(ctx, runResume)
			run, err = env.Store.GetRun(ctx, runResume)
			if err != nil {
				return eris.Wrap(err, "load resumed run")
			}
		} else {
			if runIndustry == "" || runLocation == "" {
				return eris.New("--industry and --location are required unless --resume is set")
			}
			run, runErr = env.Orchestrator.Run(ctx, pipeline.StartRequest{
				OwnerID: runOwner,
				Search: model.SearchContext{
					Industry:    runIndustry,
					Location:    runLocation,
					Keywords:    runKeywords,
					CompanySize: runCompanySize,
					MaxResults:  runMaxResults,
				},
			})
			if run == nil {
				return eris.Wrap(runErr, "pipeline run")
			}
		}
		if runErr != nil {
			zap.L().Error("run did not complete", zap.String("run_id", run.ID), zap.Error(runErr))
		}

		drainJobs(ctx, env.Dispatcher, maxDrainTicks)

		summary, err := summarizeRun(ctx, env.Store, run.ID)
		if err != nil {
			return err
		}

		zap.L().Info("run finished",
			zap.String("run_id", run.ID),
			zap.String("status", string(summary.Run.Status)),
			zap.Int("businesses", summary.Businesses),
			zap.Int("contacts", summary.Contacts),
			zap.Int("matched", summary.Matched),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return eris.Wrap(err, "encode summary")
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().StringVar(&runIndustry, "industry", "", "target industry")
	runCmd.Flags().StringVar(&runLocation, "location", "", "target location, e.g. \"Austin, TX\"")
	runCmd.Flags().StringSliceVar(&runKeywords, "keyword", nil, "extra discovery keyword (repeatable)")
	runCmd.Flags().StringVar(&runCompanySize, "company-size", "", "company size band (micro, small, mid, enterprise)")
	runCmd.Flags().IntVar(&runMaxResults, "max-results", 0, "businesses per discovery query (default 20)")
	runCmd.Flags().StringVar(&runOwner, "owner", "cli", "owner id recorded on the run")
	runCmd.Flags().StringVar(&runResume, "resume", "", "resume an existing run by id")
	rootCmd.AddCommand(runCmd)
}

// drainJobs ticks until a tick claims nothing or maxTicks is reached. Jobs
// deferred into the future are left for the next dispatcher.
func drainJobs(ctx context.Context, d *jobs.Dispatcher, maxTicks int) {
	for i := 0; i < maxTicks; i++ {
		res, err := d.Tick(ctx)
		if err != nil {
			zap.L().Warn("drain: tick ended early", zap.Error(err))
			return
		}
		if res.Claimed == 0 {
			return
		}
	}
}

// runSummary is the foreground run report.
type runSummary struct {
	Run        *model.Run   `json:"run"`
	Tasks      []model.Task `json:"tasks"`
	Profiles   int          `json:"profiles"`
	Businesses int          `json:"businesses"`
	Contacts   int          `json:"contacts"`
	Matched    int          `json:"matched"`
}

func summarizeRun(ctx context.Context, st store.Store, runID string) (*runSummary, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "summary: load run")
	}
	tasks, err := st.ListTasks(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "summary: load tasks")
	}
	profiles, err := st.ListProfiles(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "summary: load profiles")
	}
	entities, err := st.ListEntities(ctx, store.EntityFilter{RunID: runID, Limit: exportLimit})
	if err != nil {
		return nil, eris.Wrap(err, "summary: load entities")
	}

	s := &runSummary{Run: run, Tasks: tasks, Profiles: len(profiles)}
	for _, e := range entities {
		switch e.Kind {
		case model.EntityKindBusiness:
			s.Businesses++
		case model.EntityKindContact:
			s.Contacts++
		}
		if e.PersonaID != nil {
			s.Matched++
		}
	}
	return s, nil
}
