package cmd

import (
	"github.com/spf13/cobra"

	"pipegen/internal/cluster"
	"pipegen/internal/config"
	"pipegen/internal/gateway"
	"pipegen/internal/orchestrator"
	"pipegen/internal/store"
)

var cfgFile string

// rootCmd is pipegen's base command: a thin CLI over the lifecycle
// orchestrator that drives streaming SQL jobs through submit, pause,
// resume, cancel, and reconciliation against a Flink SQL Gateway and Job
// REST API.
var rootCmd = &cobra.Command{
	Use:   "pipegen",
	Short: "Drive Flink streaming SQL jobs through their lifecycle",
	Long: `pipegen is a control-plane client for Flink streaming SQL jobs. It
submits statements through the SQL Gateway, pauses running jobs by taking
a snapshot and cancelling, resumes jobs from a snapshot, and reconciles
its local record of job state against the cluster.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pipegen.yaml)")
	config.BindFlags(rootCmd)
}

func initConfig() {
	config.Init(cfgFile)
}

// buildOrchestrator loads configuration and wires the gateway client,
// cluster client, and store into an Orchestrator, the way runPipeline in
// the teacher builds its pipeline.Runner from viper-resolved settings.
func buildOrchestrator() (*orchestrator.Orchestrator, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	gw := gateway.New(cfg.GatewayURL)
	gw.PollInterval = cfg.GatewayPollInterval
	gw.PollTimeout = cfg.GatewayPollTimeout

	cl := cluster.New(cfg.ClusterURL)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	orch := orchestrator.New(gw, cl, st)
	orch.PausePollInterval = cfg.PausePollInterval
	orch.PausePollTimeout = cfg.PausePollTimeout
	return orch, st, nil
}

