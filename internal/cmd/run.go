package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/featrun/featrun/internal/config"
	"github.com/featrun/featrun/internal/coordinator"
	"github.com/featrun/featrun/internal/gitops"
	"github.com/featrun/featrun/internal/logging"
	"github.com/featrun/featrun/internal/state"
	"github.com/featrun/featrun/internal/worker"
	"github.com/spf13/cobra"
)

var (
	runFeaturesPath string
	runMode         string
	runWorkers      int
	runTimeoutMin   int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the plan with supervised worker sessions",
	Long: `Plan the feature list and supervise worker sessions until every
feature passes or the run stops. Parallel mode runs each level as a wave of
branch-isolated workers and merges succeeded branches back; sequential mode
runs one worker at a time on the current branch.

Exits 0 only when every feature resolved; otherwise the completion signal
in the state directory carries the machine-readable reason.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runFeaturesPath, "features", "", "feature list file (default: feature_list.json in the project dir)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "execution mode: parallel or sequential")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "worker budget override")
	runCmd.Flags().IntVar(&runTimeoutMin, "timeout-min", 0, "per-session timeout override in minutes")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if runMode != "" {
		cfg.Execution.Mode = runMode
	}
	if runWorkers > 0 {
		cfg.Execution.MaxWorkers = runWorkers
	}
	if runTimeoutMin > 0 {
		cfg.Session.TimeoutMinutes = runTimeoutMin
	}

	in, err := buildPlanInputs(cfg, runFeaturesPath, runWorkers)
	if err != nil {
		return err
	}

	st, err := state.NewStore(cfg.Paths.ResolveStateDir(in.projectDir))
	if err != nil {
		return err
	}
	if err := st.SaveGraph(in.graph.Export()); err != nil {
		return fmt.Errorf("failed to persist dependency graph: %w", err)
	}
	if err := st.SavePlan(in.plan.Export(time.Now())); err != nil {
		return fmt.Errorf("failed to persist execution plan: %w", err)
	}

	log := logging.NopLogger()
	if cfg.Logging.Enabled {
		log, err = logging.NewLogger(st.Dir(), cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("failed to open debug log: %w", err)
		}
		defer func() { _ = log.Close() }()
	}

	git := gitops.New(in.projectDir)
	launcher := &worker.CommandLauncher{Grace: cfg.Session.Grace()}

	coord := coordinator.New(cfg, in.graph, in.plan, in.features, st, git, launcher, in.projectDir, log)
	coord.SetEventCallback(printEvent)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := coord.Run(ctx)
	if err != nil && report == nil {
		return err
	}

	printReport(report)
	if !report.AllResolved() {
		return fmt.Errorf("run did not resolve all features: %s", report.Reason)
	}
	return nil
}

func printEvent(ev coordinator.Event) {
	switch ev.Type {
	case coordinator.EventLevelStarted:
		fmt.Printf("== Level %d ==\n", ev.Level)
	case coordinator.EventFeatureStarted:
		fmt.Printf("  %s: started\n", ev.FeatureID)
	case coordinator.EventFeatureSucceeded:
		fmt.Printf("  %s: succeeded\n", ev.FeatureID)
	case coordinator.EventFeatureFailed:
		fmt.Printf("  %s: failed (%s)\n", ev.FeatureID, ev.Message)
	case coordinator.EventFeatureTimedOut:
		fmt.Printf("  %s: timed out (%s)\n", ev.FeatureID, ev.Message)
	case coordinator.EventFeatureBlocked:
		fmt.Printf("  %s: %s\n", ev.FeatureID, ev.Message)
	case coordinator.EventMerged:
		fmt.Printf("  %s: merged\n", ev.FeatureID)
	case coordinator.EventMergeConflict:
		fmt.Printf("  %s: %s\n", ev.FeatureID, ev.Message)
	}
}

func printReport(report *coordinator.Report) {
	fmt.Printf("\nRun finished in %s: %s\n", report.Duration.Round(time.Second), report.Reason)
	if ids := report.Succeeded(); len(ids) > 0 {
		fmt.Printf("  succeeded: %v\n", ids)
	}
	if ids := report.Failed(); len(ids) > 0 {
		fmt.Printf("  failed:    %v\n", ids)
	}
	if ids := report.TimedOut(); len(ids) > 0 {
		fmt.Printf("  timed out: %v\n", ids)
	}
	if ids := report.Blocked(); len(ids) > 0 {
		fmt.Printf("  blocked:   %v\n", ids)
	}
}
