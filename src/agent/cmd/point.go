// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/dataplane"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

var (
	pointSocket     string
	pointAllowedUID int
	pointStatsEvery time.Duration
)

var pointCmd = &cobra.Command{
	Use:   "enforcement-point",
	Short: "Run a user-space enforcement point",
	Long: `Serves the control channel on a Unix socket and keeps a local rule cache
that classifies connections and device opens. Used where no kernel
classifier is loaded.`,
	Args: cobra.NoArgs,
	RunE: runPoint,
}

func init() {
	pointCmd.Flags().StringVar(&pointSocket, "socket", "/run/securehost/network.sock", "Control socket path")
	pointCmd.Flags().IntVar(&pointAllowedUID, "allowed-uid", os.Getuid(), "UID allowed to connect besides root")
	pointCmd.Flags().DurationVar(&pointStatsEvery, "stats-interval", 30*time.Second, "How often to log cache sizes")
}

func runPoint(cmd *cobra.Command, args []string) error {
	level := "info"
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	if err := setupLogging(level); err != nil {
		return err
	}

	cache := dataplane.NewRuleCache()
	server, err := dataplane.NewChannelServer(pointSocket, cache, pointAllowedUID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve() }()

	ticker := time.NewTicker(pointStatsEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down enforcement point...")
			return server.Close()
		case err := <-errCh:
			server.Close()
			return err
		case <-ticker.C:
			log.WithFields(log.Fields{
				"network_rules":    cache.Len(policy.KindNetwork),
				"device_rules":     cache.Len(policy.KindDevice),
				"network_override": cache.Overridden(policy.KindNetwork),
				"device_override":  cache.Overridden(policy.KindDevice),
			}).Info("Rule cache")
		}
	}
}
