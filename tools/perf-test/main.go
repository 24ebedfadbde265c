// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package main

import (
	"context"
	crand "crypto/rand"
	"flag"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/audit"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/testutil"
)

var (
	ruleCount     = flag.Int("rules", 1000, "Number of random network rules")
	workers       = flag.Int("workers", 8, "Concurrent evaluation workers")
	duration      = flag.Int("duration", 30, "Test duration in seconds")
	statsInterval = flag.Int("interval", 5, "Statistics reporting interval in seconds")
	mutateEvery   = flag.Duration("mutate-every", 10*time.Millisecond, "Interval between rule toggles; 0 disables mutations")
	auditDir      = flag.String("audit-dir", "", "Write decisions to an audit log in this directory")
	seed          = flag.Int64("seed", 1, "Random seed")
)

// latencies collects per-evaluation durations from all workers.
type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencies) add(batch []time.Duration) {
	l.mu.Lock()
	l.samples = append(l.samples, batch...)
	l.mu.Unlock()
}

func (l *latencies) percentile(p float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) == 0 {
		return 0
	}
	sort.Slice(l.samples, func(i, j int) bool { return l.samples[i] < l.samples[j] })
	return l.samples[int(float64(len(l.samples)-1)*p)]
}

func main() {
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)

	log.Info("=== Policy Evaluation Performance Test ===")
	log.Infof("Rules: %d", *ruleCount)
	log.Infof("Workers: %d", *workers)
	log.Infof("Duration: %d seconds", *duration)
	log.Infof("Mutation interval: %s", *mutateEvery)
	log.Info("==========================================")

	var auditor policy.Auditor = policy.NopAuditor{}
	if *auditDir != "" {
		pipeline, err := openAudit(*auditDir)
		if err != nil {
			log.Fatalf("Failed to open audit pipeline: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := pipeline.Close(ctx); err != nil {
				log.Warnf("Audit drain incomplete: %v", err)
			}
		}()
		auditor = audit.NewRecorder(pipeline)
		log.Infof("✓ Auditing decisions to %s", *auditDir)
	}

	store := policy.NewStore()
	engine := policy.NewEngine(store, auditor)
	manager := policy.NewManager(store, nil, nil, nil)

	rng := rand.New(rand.NewSource(*seed))
	var ids []uint64
	for _, r := range testutil.RandomNetworkRules(rng, *ruleCount) {
		stored, err := manager.AddRule(context.Background(), r)
		if err != nil {
			log.Errorf("Failed to add rule: %v", err)
			continue
		}
		ids = append(ids, stored.ID)
	}
	log.Infof("✓ Added %d test rules", len(ids))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(*duration)*time.Second)
	defer cancel()

	lat := &latencies{}
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		workerSeed := *seed + int64(w) + 1
		g.Go(func() error {
			evaluate(gctx, engine, rand.New(rand.NewSource(workerSeed)), lat)
			return nil
		})
	}
	if *mutateEvery > 0 && len(ids) > 0 {
		g.Go(func() error {
			mutate(gctx, manager, ids, rand.New(rand.NewSource(*seed)))
			return nil
		})
	}

	start := time.Now()
	g.Go(func() error {
		report(gctx, engine, time.Duration(*statsInterval)*time.Second)
		return nil
	})
	_ = g.Wait()
	elapsed := time.Since(start)

	log.Info("=== Final Statistics ===")
	final := engine.Statistics()
	printStats(final)

	total := final.NetworkEvaluations
	if total == 0 {
		log.Warn("No evaluations completed during test")
		return
	}
	log.Infof("Average Rate: %.0f evaluations/s", float64(total)/elapsed.Seconds())
	log.Infof("Latency p50: %s", lat.percentile(0.50))
	log.Infof("Latency p99: %s", lat.percentile(0.99))
	log.Infof("Latency max: %s", lat.percentile(1))
	log.Info("=== Test Complete ===")
}

func openAudit(dir string) (*audit.Pipeline, error) {
	key := make([]byte, 32)
	if _, err := crand.Read(key); err != nil {
		return nil, err
	}
	cfg := audit.DefaultConfig(dir)
	cfg.Key = key
	cfg.Mirror = audit.NewWriterMirror(io.Discard)
	return audit.Open(cfg)
}

// evaluate runs random events until ctx is done. Samples are handed over
// in batches to keep the shared lock off the hot path.
func evaluate(ctx context.Context, engine *policy.Engine, rng *rand.Rand, lat *latencies) {
	batch := make([]time.Duration, 0, 1024)
	for ctx.Err() == nil {
		ev := testutil.RandomNetworkEvent(rng)
		begin := time.Now()
		engine.EvaluateNetwork(ctx, ev)
		batch = append(batch, time.Since(begin))
		if len(batch) == cap(batch) {
			lat.add(batch)
			batch = batch[:0]
		}
	}
	lat.add(batch)
}

// mutate toggles random rules so evaluation runs against a changing table.
func mutate(ctx context.Context, manager *policy.Manager, ids []uint64, rng *rand.Rand) {
	ticker := time.NewTicker(*mutateEvery)
	defer ticker.Stop()
	toggles := 0
	for {
		select {
		case <-ctx.Done():
			log.Infof("Rule toggles: %d", toggles)
			return
		case <-ticker.C:
			if _, ok := manager.ToggleRule(ctx, ids[rng.Intn(len(ids))]); ok {
				toggles++
			}
		}
	}
}

func report(ctx context.Context, engine *policy.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := engine.Statistics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := engine.Statistics()
			delta := calculateDelta(current, last)
			log.Info("=== Delta Statistics (last interval) ===")
			printStats(delta)
			log.Infof("Evaluation Rate: %.0f/s", float64(delta.NetworkEvaluations)/interval.Seconds())
			last = current
		}
	}
}

func printStats(stats policy.Statistics) {
	log.Infof("  Network Evaluations: %d", stats.NetworkEvaluations)
	log.Infof("  Allowed:             %d", stats.Allowed)
	log.Infof("  Blocked:             %d", stats.Blocked)
	log.Infof("  Audited:             %d", stats.Audited)
	log.Infof("  Default Applied:     %d", stats.DefaultApplied)
}

func calculateDelta(current, previous policy.Statistics) policy.Statistics {
	return policy.Statistics{
		NetworkEvaluations: current.NetworkEvaluations - previous.NetworkEvaluations,
		DeviceEvaluations:  current.DeviceEvaluations - previous.DeviceEvaluations,
		Allowed:            current.Allowed - previous.Allowed,
		Blocked:            current.Blocked - previous.Blocked,
		Audited:            current.Audited - previous.Audited,
		DefaultApplied:     current.DefaultApplied - previous.DefaultApplied,
	}
}
