package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	logpkg "pipegen/internal/log"
	"pipegen/internal/orchestrator"
)

var (
	resumeSnapshotID int64
	resumeFile       string
	resumeEnv        []string
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume a paused job from its latest snapshot, or from an explicit snapshot",
	Long: `Resume replays the recorded SQL for a job against a new gateway
session, with a SET 'execution.savepoint.path' statement prepended so the
new job starts from the paused job's state.

With a job id argument, Resume replays the recorded SQL against that job's
latest snapshot, which must be completed; job names are not looked up. With --snapshot-id and --file, Resume instead
replays caller-supplied SQL against that specific snapshot, substituting
${VAR} placeholders from --env bindings.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().Int64Var(&resumeSnapshotID, "snapshot-id", 0, "resume this specific snapshot instead of a job's latest")
	resumeCmd.Flags().StringVar(&resumeFile, "file", "", "SQL file to replay (required with --snapshot-id)")
	resumeCmd.Flags().StringSliceVar(&resumeEnv, "env", nil, "KEY=VALUE binding for ${VAR} substitution (repeatable)")
}

func runResume(cmd *cobra.Command, args []string) error {
	logger := logpkg.WithComponent(logpkg.Global(), "cmd.resume")

	orch, st, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()

	if resumeSnapshotID != 0 {
		if resumeFile == "" {
			return fmt.Errorf("--file is required with --snapshot-id")
		}
		sqlBytes, err := os.ReadFile(resumeFile)
		if err != nil {
			return fmt.Errorf("reading SQL file: %w", err)
		}
		env, err := parseEnvPairs(resumeEnv)
		if err != nil {
			return err
		}
		result, err := orch.ResumeFromSnapshotId(ctx, orchestrator.ResumeFromSnapshotRequest{
			SnapshotID: resumeSnapshotID,
			SQLFile:    resumeFile,
			SQLText:    string(sqlBytes),
			Env:        env,
		})
		if err != nil {
			logger.Error("resume failed", "snapshotId", resumeSnapshotID, "error", err)
			return err
		}
		fmt.Printf("resumed snapshot %d as job %s\n", resumeSnapshotID, result.NewJobID)
		return nil
	}

	if len(args) != 1 {
		return fmt.Errorf("requires a job id argument, or --snapshot-id and --file")
	}
	result, err := orch.Resume(ctx, orchestrator.ResumeRequest{JobIDOrName: args[0]})
	if err != nil {
		logger.Error("resume failed", "job", args[0], "error", err)
		return err
	}
	fmt.Printf("resumed %s as job %s\n", args[0], result.NewJobID)
	return nil
}
