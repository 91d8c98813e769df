package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	logpkg "pipegen/internal/log"
	"pipegen/internal/orchestrator"
)

var (
	executeJobName  string
	executeTags     []string
	executeOnError  string
	executeEnv      []string
	executeEnvLax   bool
	executeKeepOpen bool
)

var executeCmd = &cobra.Command{
	Use:   "execute [file.sql]",
	Short: "Submit a SQL script through the gateway",
	Long: `Execute reads a SQL script (or standard input when no file is given),
splits it into statements, and submits each through a gateway session in
order, stopping at the first failure unless --on-error continue is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExecute,
}

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().StringVar(&executeJobName, "name", "", "name to record for the submitted job")
	executeCmd.Flags().StringSliceVar(&executeTags, "tag", nil, "tag to attach to the job record (repeatable)")
	executeCmd.Flags().StringVar(&executeOnError, "on-error", "stop", "behavior on statement failure: stop or continue")
	executeCmd.Flags().StringSliceVar(&executeEnv, "env", nil, "KEY=VALUE binding for ${VAR} substitution (repeatable)")
	executeCmd.Flags().BoolVar(&executeEnvLax, "env-lax", false, "leave unbound ${VAR} placeholders untouched instead of failing")
	executeCmd.Flags().BoolVar(&executeKeepOpen, "keep-open", false, "keep the gateway session open after submission")
}

func runExecute(cmd *cobra.Command, args []string) error {
	logger := logpkg.WithComponent(logpkg.Global(), "cmd.execute")

	var sqlBytes []byte
	var err error
	if len(args) == 1 {
		sqlBytes, err = os.ReadFile(args[0])
	} else {
		sqlBytes, err = readAllStdin()
	}
	if err != nil {
		return fmt.Errorf("reading SQL input: %w", err)
	}

	env, err := parseEnvPairs(executeEnv)
	if err != nil {
		return err
	}

	onError := orchestrator.OnErrorStop
	switch strings.ToLower(executeOnError) {
	case "stop", "":
		onError = orchestrator.OnErrorStop
	case "continue":
		onError = orchestrator.OnErrorContinue
	default:
		return fmt.Errorf("invalid --on-error value %q, want stop or continue", executeOnError)
	}
	envMode := orchestrator.EnvStrict
	if executeEnvLax {
		envMode = orchestrator.EnvLax
	}

	orch, st, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	result, err := orch.ExecuteSQL(ctx, orchestrator.ExecuteSQLRequest{
		SQLText:  string(sqlBytes),
		JobName:  executeJobName,
		Tags:     executeTags,
		OnError:  onError,
		Env:      env,
		EnvMode:  envMode,
		KeepOpen: executeKeepOpen,
	})
	if err != nil {
		logger.Error("execute failed", "error", err)
		return err
	}

	fmt.Printf("submitted %d statement(s), success=%v\n", len(result.Statements), result.Success)
	if result.JobID != "" {
		fmt.Printf("job id: %s\n", result.JobID)
	}
	return nil
}

func readAllStdin() ([]byte, error) {
	info, err := os.Stdin.Stat()
	if err != nil {
		return nil, err
	}
	if (info.Mode() & os.ModeCharDevice) != 0 {
		return nil, fmt.Errorf("no SQL file given and stdin is a terminal")
	}
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, readErr := os.Stdin.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if readErr != nil {
			break
		}
	}
	return buf, nil
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --env binding %q, want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}
