package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/featrun/featrun/internal/config"
	"github.com/featrun/featrun/internal/state"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current run status",
	Long:  `Display worker sessions, completed features, and the completion signal from the state directory.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "keep watching the state directory and reprint on changes")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	st, err := state.NewStore(cfg.Paths.ResolveStateDir(cwd))
	if err != nil {
		return err
	}

	if err := printStatus(st); err != nil {
		return err
	}
	if !statusWatch {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(st.Dir()); err != nil {
		return fmt.Errorf("failed to watch state directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Artifact writes are temp-file renames, so a single change produces a
	// burst of events. Debounce before reprinting.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(200 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		case <-pending:
			pending = nil
			fmt.Println()
			if err := printStatus(st); err != nil {
				return err
			}
		}
	}
}

func printStatus(st *state.Store) error {
	registry, err := st.LoadSessions()
	if err != nil {
		return err
	}

	if active := registry.Active(); len(active) > 0 {
		fmt.Printf("Active workers: %d\n", len(active))
		for _, w := range active {
			fmt.Printf("  %s (%s) session %d/%d, last heartbeat %s\n",
				w.FeatureID, w.Status, w.CurrentSession, w.MaxSessions,
				w.LastHeartbeat.Format("15:04:05"))
		}
	} else {
		fmt.Println("No active workers")
	}

	if len(registry.CompletedWorkers) > 0 {
		fmt.Printf("Completed: %d\n", len(registry.CompletedWorkers))
		for _, w := range registry.CompletedWorkers {
			fmt.Printf("  %s: %s", w.FeatureID, w.Result)
			if w.Message != "" {
				fmt.Printf(" (%s)", w.Message)
			}
			fmt.Println()
		}
	}

	completion, err := st.LoadCompletion()
	if err != nil {
		return err
	}
	if completion != nil {
		fmt.Printf("Run complete: %s (%d/%d features, %d sessions) at %s\n",
			completion.Reason, completion.FeaturesCompleted, completion.TotalFeatures,
			completion.SessionCount, completion.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return nil
}
