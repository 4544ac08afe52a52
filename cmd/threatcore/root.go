package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "threatcore",
	Short: "Threat-signal analytics: anomaly detection, event correlation and device risk scoring",
	Long: `threatcore runs three cooperating engines over security telemetry:
an anomaly detector over per-category feature vectors, a rule-based
threat correlation engine over the event stream, and a weighted
multi-factor device risk scorer with trend-based predictions.`,
	SilenceUsage: true,
}

var (
	configPath string
	logLevel   string
	logFormat  string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (default: ./config.yaml or /etc/threatcore/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override the configured log format (json or console)")
}
