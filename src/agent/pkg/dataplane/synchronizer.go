// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// Health reports which enforcement points are reachable.
type Health struct {
	NetworkPointUp bool `json:"network_point_up"`
	DevicePointUp  bool `json:"device_point_up"`
}

// SyncConfig configures the health loop.
type SyncConfig struct {
	// HealthInterval is how often points are pinged or reconnected.
	HealthInterval time.Duration
	// RefreshInterval triggers a periodic full resync so time-bounded
	// rules are re-pushed with their current activity. Zero disables it.
	RefreshInterval time.Duration
	// ReconnectBurst and ReconnectEvery bound reconnect attempts.
	ReconnectEvery time.Duration
	ReconnectBurst int
}

// DefaultSyncConfig returns the default health loop settings.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		HealthInterval:  5 * time.Second,
		RefreshInterval: time.Minute,
		ReconnectEvery:  2 * time.Second,
		ReconnectBurst:  1,
	}
}

// pointState serializes pushes to one point. Holding mu across a push is
// what keeps a point's rule order a prefix of the coordinator's.
type pointState struct {
	mu      sync.Mutex
	point   Point
	up      atomic.Bool
	limiter *rate.Limiter
	// overridden is set by a successful Reset and cleared when the point
	// reconnects. Guarded by mu.
	overridden bool
}

// Synchronizer keeps the enforcement points' rule caches in line with the
// coordinator. Each point is serialized on its own; the two points are
// pushed concurrently. An unreachable point is reported once per
// transition and the coordinator carries on in degraded mode.
type Synchronizer struct {
	cfg      SyncConfig
	network  *pointState
	device   *pointState
	listener StateListener

	resyncMu sync.Mutex
	resync   func(ctx context.Context) error
}

// NewSynchronizer creates a synchronizer. Either point may be nil, in which
// case rules of that kind are not enforced outside the coordinator.
func NewSynchronizer(cfg SyncConfig, network, device Point, listener StateListener) *Synchronizer {
	def := DefaultSyncConfig()
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.ReconnectEvery <= 0 {
		cfg.ReconnectEvery = def.ReconnectEvery
	}
	if cfg.ReconnectBurst <= 0 {
		cfg.ReconnectBurst = def.ReconnectBurst
	}
	s := &Synchronizer{cfg: cfg, listener: listener}
	if network != nil {
		s.network = &pointState{point: network, limiter: rate.NewLimiter(rate.Every(cfg.ReconnectEvery), cfg.ReconnectBurst)}
	}
	if device != nil {
		s.device = &pointState{point: device, limiter: rate.NewLimiter(rate.Every(cfg.ReconnectEvery), cfg.ReconnectBurst)}
	}
	return s
}

// SetResync sets the callback run after a point comes back up. It
// normally pushes the full rule set through SyncAll.
func (s *Synchronizer) SetResync(fn func(ctx context.Context) error) {
	s.resyncMu.Lock()
	s.resync = fn
	s.resyncMu.Unlock()
}

func (s *Synchronizer) stateFor(kind policy.Kind) *pointState {
	switch kind {
	case policy.KindNetwork:
		return s.network
	case policy.KindDevice:
		return s.device
	}
	return nil
}

func (s *Synchronizer) points() []*pointState {
	var out []*pointState
	for _, ps := range []*pointState{s.network, s.device} {
		if ps != nil {
			out = append(out, ps)
		}
	}
	return out
}

// Connect makes one connection attempt to every point.
func (s *Synchronizer) Connect(ctx context.Context) {
	for _, ps := range s.points() {
		ps.mu.Lock()
		err := ps.point.Connect(ctx)
		if err == nil {
			ps.overridden = false
		}
		s.setState(ps, err == nil, err)
		ps.mu.Unlock()
	}
}

// Sync pushes one rule to the point enforcing its kind. Application rules
// have no point and are ignored.
func (s *Synchronizer) Sync(ctx context.Context, r policy.Rule) error {
	ps := s.stateFor(r.Kind)
	if ps == nil {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return s.call(ps, func() error { return ps.point.Push(ctx, &r) })
}

// SyncAll replaces each point's rules with rules of its kind, keeping
// their order. A point under a system reset is put back into reset after
// the replacement, so periodic refreshes and rule changes do not end it.
func (s *Synchronizer) SyncAll(ctx context.Context, rules []policy.Rule) error {
	var g errgroup.Group
	for _, ps := range s.points() {
		ps := ps
		var mine []policy.Rule
		for i := range rules {
			if rules[i].Kind == ps.point.Kind() {
				mine = append(mine, rules[i])
			}
		}
		g.Go(func() error {
			ps.mu.Lock()
			defer ps.mu.Unlock()
			return s.call(ps, func() error {
				if err := ps.point.Clear(ctx); err != nil {
					return err
				}
				for i := range mine {
					if err := ps.point.Push(ctx, &mine[i]); err != nil {
						return err
					}
				}
				if ps.overridden {
					return ps.point.Reset(ctx)
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.WithField("rules", len(rules)).Debug("Enforcement points synchronized")
	return nil
}

// Remove drops one rule from the point enforcing its kind.
func (s *Synchronizer) Remove(ctx context.Context, r policy.Rule) error {
	ps := s.stateFor(r.Kind)
	if ps == nil {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return s.call(ps, func() error { return ps.point.Remove(ctx, r.ID) })
}

// Reset lifts enforcement on every point. The override holds across
// SyncAll and lasts until the point reconnects or the agent restarts.
func (s *Synchronizer) Reset(ctx context.Context) error {
	var g errgroup.Group
	for _, ps := range s.points() {
		ps := ps
		g.Go(func() error {
			ps.mu.Lock()
			defer ps.mu.Unlock()
			return s.call(ps, func() error {
				if err := ps.point.Reset(ctx); err != nil {
					return err
				}
				ps.overridden = true
				return nil
			})
		})
	}
	return g.Wait()
}

// Overridden reports whether a system reset is in effect on the point
// enforcing kind.
func (s *Synchronizer) Overridden(kind policy.Kind) bool {
	ps := s.stateFor(kind)
	if ps == nil {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.overridden
}

// call runs fn against a point that is believed up. Caller holds ps.mu.
func (s *Synchronizer) call(ps *pointState, fn func() error) error {
	if !ps.up.Load() {
		return fmt.Errorf("%s: %w", ps.point.Name(), ErrPointUnavailable)
	}
	err := fn()
	if errors.Is(err, ErrPointUnavailable) {
		s.setState(ps, false, err)
	}
	return err
}

// setState records a transition, logging and auditing only on change.
// Caller holds ps.mu.
func (s *Synchronizer) setState(ps *pointState, up bool, cause error) {
	if ps.up.Load() == up {
		return
	}
	ps.up.Store(up)
	fields := log.Fields{"point": ps.point.Name(), "kind": ps.point.Kind().String()}
	if up {
		log.WithFields(fields).Info("Enforcement point available")
	} else {
		fields["error"] = cause
		log.WithFields(fields).Warn("Enforcement point unavailable, running degraded")
	}
	if s.listener != nil {
		s.listener.EnforcementStateChanged(ps.point.Name(), up, cause)
	}
}

// Health returns the current reachability of each point.
func (s *Synchronizer) Health() Health {
	var h Health
	if s.network != nil {
		h.NetworkPointUp = s.network.up.Load()
	}
	if s.device != nil {
		h.DevicePointUp = s.device.up.Load()
	}
	return h
}

// Degraded reports whether any configured point is unreachable.
func (s *Synchronizer) Degraded() bool {
	for _, ps := range s.points() {
		if !ps.up.Load() {
			return true
		}
	}
	return false
}

// Run pings reachable points and reconnects lost ones until ctx is done.
// A point that comes back gets a full resync.
func (s *Synchronizer) Run(ctx context.Context) {
	health := time.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()

	var refresh <-chan time.Time
	if s.cfg.RefreshInterval > 0 {
		t := time.NewTicker(s.cfg.RefreshInterval)
		defer t.Stop()
		refresh = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			s.checkPoints(ctx)
		case <-refresh:
			s.runResync(ctx)
		}
	}
}

func (s *Synchronizer) checkPoints(ctx context.Context) {
	recovered := false
	for _, ps := range s.points() {
		ps.mu.Lock()
		if ps.up.Load() {
			if err := ps.point.Ping(ctx); err != nil {
				s.setState(ps, false, err)
			}
			ps.mu.Unlock()
			continue
		}
		if !ps.limiter.Allow() {
			ps.mu.Unlock()
			continue
		}
		if err := ps.point.Connect(ctx); err != nil {
			log.WithField("point", ps.point.Name()).Debugf("Reconnect failed: %v", err)
		} else {
			// A reconnected point is resynced without the override.
			ps.overridden = false
			s.setState(ps, true, nil)
			recovered = true
		}
		ps.mu.Unlock()
	}
	if recovered {
		s.runResync(ctx)
	}
}

func (s *Synchronizer) runResync(ctx context.Context) {
	s.resyncMu.Lock()
	fn := s.resync
	s.resyncMu.Unlock()
	if fn == nil {
		return
	}
	if err := fn(ctx); err != nil {
		log.Warnf("Enforcement resync failed: %v", err)
	}
}

// Close closes every point.
func (s *Synchronizer) Close() error {
	var errs []error
	for _, ps := range s.points() {
		ps.mu.Lock()
		if err := ps.point.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", ps.point.Name(), err))
		}
		ps.up.Store(false)
		ps.mu.Unlock()
	}
	return errors.Join(errs...)
}
