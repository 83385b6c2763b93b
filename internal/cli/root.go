package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"intent-relayer/internal/app"
	"intent-relayer/internal/config"
	"intent-relayer/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	envName   string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "intent-relayer",
	Short:         "Aggregate user intents and settle them on-chain in batches",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		applyOverrides(cfg)

		logger := logging.NewLogger(cfg.Logging).With().Str("env", cfg.App.Environment).Logger()
		if cfgFile != "" {
			logger.Debug().Str("config", cfgFile).Msg("configuration loaded")
		}
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log format (json or console)")
	rootCmd.PersistentFlags().StringVar(&envName, "env", "", "Override app.environment (shown in alerts)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(notifyTestCmd)
	rootCmd.AddCommand(executorsCmd)
	rootCmd.AddCommand(versionCmd)
}

// applyOverrides 把命令行参数覆盖到配置上。
func applyOverrides(cfg *config.Config) {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if envName != "" {
		cfg.App.Environment = envName
	}
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
