package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/featrun/featrun/internal/config"
	"github.com/featrun/featrun/internal/state"
	"github.com/spf13/cobra"
)

var (
	planFeaturesPath string
	planWorkers      int
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Build the dependency graph and execution plan",
	Long: `Build the dependency graph from the feature list, infer implicit
dependencies, levelize into parallel execution levels, and write
dependency-graph.json and execution-plan.json to the state directory.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planFeaturesPath, "features", "", "feature list file (default: feature_list.json in the project dir)")
	planCmd.Flags().IntVar(&planWorkers, "workers", 0, "worker budget override")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	in, err := buildPlanInputs(cfg, planFeaturesPath, planWorkers)
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

	fmt.Printf("Features: %d\n", in.graph.NodeCount())
	fmt.Printf("Dependencies: %d (%d inferred)\n\n", in.graph.EdgeCount(), len(in.implicit))

	for _, level := range in.plan.Levels {
		fmt.Printf("Level %d (%d worker(s), ~%s): %s\n",
			level.Level, level.MaxParallelism,
			formatMinutes(level.EstimatedDuration),
			strings.Join(level.Features, ", "))
	}

	fmt.Printf("\nCritical path: %s (~%s)\n",
		strings.Join(in.plan.CriticalPath, " -> "),
		formatMinutes(in.plan.CriticalPathDuration))
	fmt.Printf("Estimated: %s parallel vs %s sequential (%.1fx speedup)\n",
		formatMinutes(in.plan.TotalEstimated),
		formatMinutes(in.plan.SequentialEstimated),
		in.plan.Speedup())
	fmt.Printf("\nPlan written to %s\n", st.Path(state.PlanFileName))

	return nil
}

func formatMinutes(d time.Duration) string {
	return fmt.Sprintf("%dm", int(d.Round(time.Minute).Minutes()))
}
