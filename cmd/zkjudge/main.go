// Command zkjudge verifies severity claims against zero-knowledge proofs and
// pays bounties for the verified ones.
//
// Usage:
//
//	zkjudge serve --config zkjudge.yaml
//	zkjudge verify <audit-id>... [--auditor id]
//	zkjudge export <audit-id> [--format json|hex|zstd]
//	zkjudge version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/exploopio/judge/pkg/config"
	"github.com/exploopio/judge/pkg/core"
)

const (
	appName    = "zkjudge"
	appVersion = "0.4.0"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "Zero-knowledge severity judge",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to config file (or ZKJUDGE_CONFIG env)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")

	rootCmd.AddCommand(serveCmd, verifyCmd, exportCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, appVersion)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config named by --config or ZKJUDGE_CONFIG.
func loadConfig() (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		path = os.Getenv("ZKJUDGE_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*core.ZapLogger, error) {
	return core.NewZapLogger(appName, core.ParseLogLevel(cfg.Log.Level))
}
