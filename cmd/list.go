package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, snapshots, or pausable/resumable state",
}

var listPausableCmd = &cobra.Command{
	Use:   "pausable",
	Short: "List jobs that can be paused",
	RunE:  runListPausable,
}

var listResumableCmd = &cobra.Command{
	Use:   "resumable",
	Short: "List snapshots that can be resumed",
	RunE:  runListResumable,
}

var listSnapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List in-progress snapshots",
	RunE:  runListSnapshots,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.AddCommand(listPausableCmd, listResumableCmd, listSnapshotsCmd)
}

func runListPausable(cmd *cobra.Command, args []string) error {
	orch, st, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := orch.ListPausable(context.Background())
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no pausable jobs")
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%s\t%s\n", j.JobID, j.Name)
	}
	return nil
}

func runListResumable(cmd *cobra.Command, args []string) error {
	orch, st, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer st.Close()

	snaps, err := orch.ListResumable(context.Background())
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("no resumable snapshots")
		return nil
	}
	for _, s := range snaps {
		fmt.Printf("%d\t%s\t%s\t%s\t%s\n", s.SnapshotID, s.JobID, s.JobName, s.Path, s.ClusterState)
	}
	return nil
}

func runListSnapshots(cmd *cobra.Command, args []string) error {
	orch, st, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer st.Close()

	snaps, err := orch.ListActiveSnapshots(context.Background())
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("no active snapshots")
		return nil
	}
	for _, s := range snaps {
		status := "unknown"
		if s.ClusterStatus != nil {
			status = string(s.ClusterStatus.Status)
		}
		stale := ""
		if s.IsStale {
			stale = " (stale)"
		}
		checkpoints := ""
		if s.CheckpointStats != nil {
			checkpoints = fmt.Sprintf("  checkpoints: %d completed, %d failed", s.CheckpointStats.CountsCompleted, s.CheckpointStats.CountsFailed)
		}
		fmt.Printf("%d\t%s\t%s\t%s%s%s\n", s.SnapshotID, s.JobID, s.Age, status, stale, checkpoints)
	}
	return nil
}
