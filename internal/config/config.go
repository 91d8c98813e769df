// Package config loads the settings that wire the gateway client, cluster
// client, and store together: URLs, database path, and poll/timeout
// tunables, bound from flags, environment, and an optional config file the
// way the teacher's cmd/root.go binds its own settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pipegen/internal/ctlerr"
)

// Config is the fully resolved set of control-plane settings.
type Config struct {
	GatewayURL string
	ClusterURL string
	DBPath     string

	GatewayPollInterval time.Duration
	GatewayPollTimeout  time.Duration
	PausePollInterval   time.Duration
	PausePollTimeout    time.Duration

	LogLevel string
}

// BindFlags registers the persistent flags shared by every subcommand and
// binds them into viper, following the teacher's BindPFlag/SetDefault
// pattern in cmd/root.go.
func BindFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("gateway-url", "http://localhost:8083", "Flink SQL Gateway URL")
	cmd.PersistentFlags().String("cluster-url", "http://localhost:8081", "Flink Job REST API URL")
	cmd.PersistentFlags().String("db-path", "pipegen.db", "path to the embedded state database")
	cmd.PersistentFlags().Duration("gateway-poll-interval", time.Second, "delay between operation-status polls")
	cmd.PersistentFlags().Duration("gateway-poll-timeout", 60*time.Second, "deadline for an operation to reach a terminal status")
	cmd.PersistentFlags().Duration("pause-poll-interval", 2*time.Second, "delay between snapshot-status polls during Pause")
	cmd.PersistentFlags().Duration("pause-poll-timeout", 120*time.Second, "deadline for a Pause snapshot to complete")
	cmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")

	_ = viper.BindPFlag("log_level", cmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("gateway_url", cmd.PersistentFlags().Lookup("gateway-url"))
	_ = viper.BindPFlag("cluster_url", cmd.PersistentFlags().Lookup("cluster-url"))
	_ = viper.BindPFlag("db_path", cmd.PersistentFlags().Lookup("db-path"))
	_ = viper.BindPFlag("gateway_poll_interval", cmd.PersistentFlags().Lookup("gateway-poll-interval"))
	_ = viper.BindPFlag("gateway_poll_timeout", cmd.PersistentFlags().Lookup("gateway-poll-timeout"))
	_ = viper.BindPFlag("pause_poll_interval", cmd.PersistentFlags().Lookup("pause-poll-interval"))
	_ = viper.BindPFlag("pause_poll_timeout", cmd.PersistentFlags().Lookup("pause-poll-timeout"))

	viper.SetDefault("gateway_url", "http://localhost:8083")
	viper.SetDefault("cluster_url", "http://localhost:8081")
	viper.SetDefault("db_path", "pipegen.db")
	viper.SetDefault("gateway_poll_interval", time.Second)
	viper.SetDefault("gateway_poll_timeout", 60*time.Second)
	viper.SetDefault("pause_poll_interval", 2*time.Second)
	viper.SetDefault("pause_poll_timeout", 120*time.Second)
	viper.SetDefault("log_level", "info")
}

// Init reads an optional config file (cfgFile, or $HOME/.pipegen.yaml when
// empty) and layers environment variables over it, mirroring
// cmd/root.go's initConfig.
func Init(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".pipegen")
	}

	viper.SetEnvPrefix("PIPEGEN")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// Load resolves a Config from viper's current state. Call after Init and
// after cobra has parsed flags.
func Load() (*Config, error) {
	cfg := &Config{
		GatewayURL:          viper.GetString("gateway_url"),
		ClusterURL:          viper.GetString("cluster_url"),
		DBPath:              viper.GetString("db_path"),
		GatewayPollInterval: viper.GetDuration("gateway_poll_interval"),
		GatewayPollTimeout:  viper.GetDuration("gateway_poll_timeout"),
		PausePollInterval:   viper.GetDuration("pause_poll_interval"),
		PausePollTimeout:    viper.GetDuration("pause_poll_timeout"),
		LogLevel:            viper.GetString("log_level"),
	}

	if cfg.GatewayURL == "" {
		return nil, ctlerr.New(ctlerr.Config, "gateway-url must not be empty")
	}
	if cfg.ClusterURL == "" {
		return nil, ctlerr.New(ctlerr.Config, "cluster-url must not be empty")
	}
	if cfg.DBPath == "" {
		return nil, ctlerr.New(ctlerr.Config, "db-path must not be empty")
	}
	return cfg, nil
}
