// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/config"
)

var version = "1.0.0"

var (
	configPath string
	logLevel   string
	apiHost    string
	apiPort    int
	auditDir   string
)

var rootCmd = &cobra.Command{
	Use:   "securehost-agent",
	Short: "Host security policy agent",
	Long: `Evaluates network and device access against administrative rules, keeps the
enforcement points in sync and writes a tamper-evident audit log`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runAgent,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&auditDir, "audit-dir", "", "Audit log directory")
	rootCmd.Flags().StringVar(&apiHost, "api-host", "", "API server host")
	rootCmd.Flags().IntVar(&apiPort, "api-port", 0, "API server port")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(pointCmd)
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("audit-dir") {
		cfg.Audit.Dir = auditDir
	}
	if flags.Changed("api-host") {
		cfg.API.Host = apiHost
	}
	if flags.Changed("api-port") {
		cfg.API.Port = apiPort
	}
	return cfg, cfg.Validate()
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
