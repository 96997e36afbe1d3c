package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/featrun/featrun/internal/config"
	"github.com/featrun/featrun/internal/logging"
	"github.com/spf13/cobra"
)

var (
	logsLevel    string
	logsFeature  string
	logsWorker   string
	logsRunID    string
	logsPhase    string
	logsContains string
	logsSince    string
	logsFormat   string
	logsOutput   string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Filter and export debug logs",
	Long: `Read the debug log from the state directory, filter entries by level,
feature, worker, or time, and print or export them as text, JSON, or CSV.`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "minimum level (debug, info, warn, error)")
	logsCmd.Flags().StringVar(&logsFeature, "feature", "", "only entries for this feature")
	logsCmd.Flags().StringVar(&logsWorker, "worker", "", "only entries from this worker")
	logsCmd.Flags().StringVar(&logsRunID, "run", "", "only entries from this run")
	logsCmd.Flags().StringVar(&logsPhase, "phase", "", "only entries from this phase")
	logsCmd.Flags().StringVar(&logsContains, "contains", "", "only entries whose message contains this substring")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "only entries at or after this time (RFC 3339)")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "output format: text, json, or csv")
	logsCmd.Flags().StringVarP(&logsOutput, "output", "o", "", "write to a file instead of stdout")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	filter := logging.LogFilter{
		Level:           logsLevel,
		FeatureID:       logsFeature,
		WorkerID:        logsWorker,
		RunID:           logsRunID,
		Phase:           logsPhase,
		MessageContains: logsContains,
	}
	if logsSince != "" {
		since, err := time.Parse(time.RFC3339, logsSince)
		if err != nil {
			return fmt.Errorf("invalid --since value %q: %w", logsSince, err)
		}
		filter.StartTime = since
	}

	entries, err := logging.AggregateLogs(cfg.Paths.ResolveStateDir(cwd))
	if err != nil {
		return err
	}
	entries = logging.FilterLogs(entries, filter)

	if logsOutput != "" {
		if err := logging.ExportLogEntries(entries, logsOutput, logsFormat); err != nil {
			return err
		}
		fmt.Printf("Wrote %d entries to %s\n", len(entries), logsOutput)
		return nil
	}
	return logging.WriteLogEntries(cmd.OutOrStdout(), entries, logsFormat)
}
