package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manifoldmcp/manifold/internal/config"
)

var (
	cfgFile    string
	appVersion string // set in Execute, used by serve for the banner
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifold",
		Short: "Multiplex MCP tool servers behind one connection-pooled gateway",
		Long: `Manifold: one gateway in front of many MCP tool servers.

Manifold pools connections per backend, queues overflow with strict FIFO
ordering, trips a circuit breaker on repeated failures, and enforces layered
rate limits per user and per backend. Sessions bind to a pooled connection
for their whole lifetime, so agents keep a warm tool server across calls.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./manifold.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for SQLite state (default: ~/.manifold)")

	cobra.OnInitialize(initConfig)

	// Add subcommands
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newBackendCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStopCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("manifold")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.manifold")
	}

	viper.SetEnvPrefix("MANIFOLD")
	viper.AutomaticEnv()
	config.RegisterDefaults(viper.GetViper())
	viper.ReadInConfig() // Ignore error - config file is optional
}
