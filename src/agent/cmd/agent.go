// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/handlers"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/audit"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/config"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/dataplane"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/securestore"
)

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return err
	}

	log.Infof("Starting SecureHost agent %s: %s", version, cfg)

	// Secure storage
	store, err := openSecureStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open secure storage: %v", err)
	}
	defer store.Close()

	log.Info("✓ Secure storage opened")

	// Audit pipeline
	key, err := audit.LoadOrCreateKey(store)
	if err != nil {
		if errors.Is(err, securestore.ErrIntegrityViolation) {
			log.WithField("severity", "critical").Fatalf("Audit key failed integrity check: %v", err)
		}
		log.Fatalf("Failed to load audit key: %v", err)
	}

	var mirror audit.Mirror = audit.NewWriterMirror(os.Stderr)
	if cfg.Audit.Syslog {
		mirror = audit.NewSyslogMirror(cfg.Audit.SyslogTag)
	}

	pipeline, err := audit.Open(audit.Config{
		Dir:             cfg.Audit.Dir,
		Key:             key,
		BatchSize:       cfg.Audit.BatchSize,
		FlushInterval:   cfg.Audit.FlushInterval,
		MaxSegmentBytes: cfg.Audit.MaxSegmentBytes,
		DrainTimeout:    cfg.Audit.DrainTimeout,
		Mirror:          mirror,
	})
	if err != nil {
		log.Fatalf("Failed to open audit pipeline: %v", err)
	}
	recorder := audit.NewRecorder(pipeline)

	var guard *audit.Guard
	if cfg.Audit.Guard {
		guard, err = audit.NewGuard(pipeline)
		if err != nil {
			log.Warnf("Audit directory guard unavailable: %v", err)
		}
	}

	log.Info("✓ Audit pipeline started")

	// Enforcement points
	network, device := enforcementPoints(cfg.Enforcement)
	synchronizer := dataplane.NewSynchronizer(dataplane.SyncConfig{
		HealthInterval:  cfg.Enforcement.HealthInterval,
		RefreshInterval: cfg.Enforcement.RefreshInterval,
	}, network, device, recorder)

	// Policy
	rules := policy.NewStore()
	engine := policy.NewEngine(rules, recorder)
	manager := policy.NewManager(rules, synchronizer, recorder, store)
	synchronizer.SetResync(manager.Resync)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	synchronizer.Connect(ctx)
	if err := manager.LoadPersisted(ctx); err != nil {
		if !errors.Is(err, securestore.ErrIntegrityViolation) {
			log.Fatalf("Failed to load rules: %v", err)
		}
		log.Error("Continuing with an empty rule set; the stored snapshot is kept for inspection")
	}
	go synchronizer.Run(ctx)

	log.Info("✓ Policy engine initialized")

	recorder.ServiceStarted(version)

	// API server
	handlers.Version = version
	apiConfig := &api.Config{
		Host:         cfg.API.Host,
		Port:         cfg.API.Port,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
		EnableCORS:   cfg.API.EnableCORS,
		LocalOnly:    true,
		RateLimit:    cfg.API.RateLimit,
		RateBurst:    cfg.API.RateBurst,
		LogLevel:     cfg.LogLevel,
	}
	apiServer, err := api.NewAPIServer(apiConfig, api.Dependencies{
		Rules:       manager,
		Evaluator:   engine,
		Audit:       pipeline,
		AuditState:  pipeline,
		Enforcement: synchronizer,
		Settings:    settingsView(cfg),
	})
	if err != nil {
		log.Fatalf("Failed to create API server: %v", err)
	}
	if err := apiServer.Start(); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	log.Infof("✓ API server started on http://%s", apiServer.Addr())
	log.Info("✓ Agent running. Press Ctrl+C to exit")

	<-ctx.Done()
	log.Info("Shutting down...")

	if err := apiServer.Stop(); err != nil {
		log.Errorf("Error stopping API server: %v", err)
	}
	recorder.ServiceStopped("signal")

	if err := manager.Close(); err != nil {
		log.Errorf("Error saving rule snapshot: %v", err)
	}
	if err := synchronizer.Close(); err != nil {
		log.Errorf("Error closing enforcement points: %v", err)
	}
	if guard != nil {
		guard.Close()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Audit.DrainTimeout)
	defer cancel()
	if err := pipeline.Close(drainCtx); err != nil {
		log.Errorf("Audit log not fully drained: %v", err)
	}
	return nil
}

func openSecureStore(cfg config.StorageConfig) (*securestore.Store, error) {
	keys, err := securestore.LoadHostKeys(securestore.MaterialConfig{
		SaltPath: cfg.SaltPath,
		Override: cfg.HostMaterial,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to derive storage keys: %w", err)
	}
	backend, err := securestore.OpenBackend(cfg.Backend, cfg.Path)
	if err != nil {
		return nil, err
	}
	store, err := securestore.New(backend, keys)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return store, nil
}

// enforcementPoints builds the configured points. A point set to "none"
// is returned as nil.
func enforcementPoints(cfg config.EnforcementConfig) (network, device dataplane.Point) {
	switch cfg.Network {
	case config.PointChannel:
		network = dataplane.NewChannelPoint("network", policy.KindNetwork, cfg.NetworkSocket)
	case config.PointEBPF:
		network = dataplane.NewMapPoint("network", cfg.PinnedMap)
	}
	if cfg.Device == config.PointChannel {
		device = dataplane.NewChannelPoint("device", policy.KindDevice, cfg.DeviceSocket)
	}
	return network, device
}

func settingsView(cfg config.Config) models.ConfigResponse {
	return models.ConfigResponse{
		LogLevel:           cfg.LogLevel,
		APIHost:            cfg.API.Host,
		APIPort:            cfg.API.Port,
		AuditDir:           cfg.Audit.Dir,
		StorageBackend:     cfg.Storage.Backend,
		NetworkPoint:       cfg.Enforcement.Network,
		DevicePoint:        cfg.Enforcement.Device,
		HealthIntervalSecs: int(cfg.Enforcement.HealthInterval.Seconds()),
	}
}
