package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alvmarrod/sunweaver/internal/config"
	"github.com/alvmarrod/sunweaver/internal/logging"
	"github.com/alvmarrod/sunweaver/internal/version"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	secretsPath string
	logLevel    string
	logFormat   string
)

// exitCode is the process status once the command returned without error
var exitCode int

var rootCmd = &cobra.Command{
	Use:           "sunweaver",
	Short:         "sunweaver scrapes solar-station reports from a monitoring dashboard.",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Setup(logLevel, logFormat, nil)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "config.json5", "Run configuration file (JSON5)")
	flags.StringVar(&secretsPath, "secrets", "secrets.json5", "Dashboard configuration file (JSON5)")
	flags.StringVar(&logLevel, "log-level", "", "Log level (defaults to $LOG_LEVEL, then info)")
	flags.StringVar(&logFormat, "log-format", logging.FormatText, "Log format: text, json or color")
}

// ExecuteContext runs the CLI and exits with the command's status
func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

// loadConfig reads the run configuration and the dashboard secrets
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	secrets, err := config.LoadSecrets(secretsPath)
	if err != nil {
		return nil, err
	}
	cfg.Secrets = secrets
	return cfg, nil
}
