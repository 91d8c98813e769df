package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	logpkg "pipegen/internal/log"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local store against the cluster's current job list",
	Long: `Sync marks local snapshot records whose job has disappeared from the
cluster as stale, and discovers jobs listed by the cluster (in any state)
that the store has no record of, keeping at most one in-flight record per
job.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	logger := logpkg.WithComponent(logpkg.Global(), "cmd.sync")

	orch, st, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := orch.Sync(context.Background())
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	fmt.Printf("reconciled %d, discovered %d, stale %d\n", result.Reconciled, result.Discovered, result.Stale)
	return nil
}
