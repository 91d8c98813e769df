package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	logpkg "pipegen/internal/log"
	"pipegen/internal/orchestrator"
)

var (
	pauseTargetDir string
	pauseStop      bool
)

var pauseCmd = &cobra.Command{
	Use:   "pause [job-id]",
	Short: "Pause a running job by taking a snapshot and cancelling it",
	Long: `Pause triggers a snapshot for the given job (or reuses a snapshot
already in progress), polls until it reaches a terminal state, and cancels
the job once the snapshot completes. The snapshot's path is recorded so the
job can later be resumed with "pipegen resume". With --stop, the job is
stopped atomically via the cluster's stop-with-savepoint endpoint instead
of a separate trigger-then-cancel sequence.`,
	Args: cobra.ExactArgs(1),
	RunE: runPause,
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	pauseCmd.Flags().StringVar(&pauseTargetDir, "target-dir", "", "snapshot target directory override")
	pauseCmd.Flags().BoolVar(&pauseStop, "stop", false, "stop the job atomically via stop-with-savepoint instead of trigger-then-cancel")
}

func runPause(cmd *cobra.Command, args []string) error {
	logger := logpkg.WithComponent(logpkg.Global(), "cmd.pause")

	orch, st, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := orch.Pause(context.Background(), orchestrator.PauseRequest{
		JobID:     args[0],
		TargetDir: pauseTargetDir,
		Stop:      pauseStop,
	})
	if err != nil {
		logger.Error("pause failed", "jobId", args[0], "error", err)
		return err
	}

	fmt.Printf("snapshot %d completed: %s\n", result.SnapshotID, result.Path)
	return nil
}
