// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	log "github.com/sirupsen/logrus"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// overrideKey is never a rule ID. An entry under it tells the classifier
// to let everything through.
const overrideKey uint64 = 0

// MapPoint enforces network rules through a pinned eBPF hash map keyed by
// rule ID with NetworkRecord values, read by a classifier program loaded
// by the host.
type MapPoint struct {
	name    string
	pinPath string
	now     func() time.Time

	mu    sync.Mutex
	rules *ebpf.Map
}

// NewMapPoint creates a point for the map pinned at pinPath.
func NewMapPoint(name, pinPath string) *MapPoint {
	return &MapPoint{name: name, pinPath: pinPath, now: time.Now}
}

// newMapPointFromMap wraps an already open map.
func newMapPointFromMap(name string, m *ebpf.Map) (*MapPoint, error) {
	if err := checkRuleMap(m); err != nil {
		return nil, err
	}
	return &MapPoint{name: name, rules: m, now: time.Now}, nil
}

func checkRuleMap(m *ebpf.Map) error {
	if m.KeySize() != 8 || m.ValueSize() != NetworkRecordSize {
		return fmt.Errorf("rule map has key size %d and value size %d, want 8 and %d",
			m.KeySize(), m.ValueSize(), NetworkRecordSize)
	}
	return nil
}

func (p *MapPoint) Name() string { return p.name }

func (p *MapPoint) Kind() policy.Kind { return policy.KindNetwork }

// Connect opens the pinned map.
func (p *MapPoint) Connect(ctx context.Context) error {
	m, err := ebpf.LoadPinnedMap(p.pinPath, nil)
	if err != nil {
		return fmt.Errorf("%w: loading pinned map %s: %v", ErrPointUnavailable, p.pinPath, err)
	}
	if err := checkRuleMap(m); err != nil {
		m.Close()
		return err
	}

	p.mu.Lock()
	if p.rules != nil {
		p.rules.Close()
	}
	p.rules = m
	p.mu.Unlock()

	log.Debugf("Opened pinned rule map %s", p.pinPath)
	return nil
}

func (p *MapPoint) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rules == nil {
		return ErrPointUnavailable
	}
	if _, err := p.rules.Info(); err != nil {
		return p.drop(err)
	}
	return nil
}

func (p *MapPoint) Push(ctx context.Context, r *policy.Rule) error {
	if r.Kind != policy.KindNetwork {
		return fmt.Errorf("%s point cannot enforce %s rule %d", p.name, r.Kind, r.ID)
	}
	value, err := NetworkRecordFromRule(r, p.now()).MarshalBinary()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rules == nil {
		return ErrPointUnavailable
	}
	if err := p.rules.Update(r.ID, value, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("updating rule %d in map: %w", r.ID, err)
	}
	return nil
}

func (p *MapPoint) Remove(ctx context.Context, id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rules == nil {
		return ErrPointUnavailable
	}
	if err := p.rules.Delete(id); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("deleting rule %d from map: %w", id, err)
	}
	return nil
}

// Clear deletes every entry, including the override.
func (p *MapPoint) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rules == nil {
		return ErrPointUnavailable
	}

	var keys []uint64
	var key uint64
	value := make([]byte, NetworkRecordSize)
	iter := p.rules.Iterate()
	for iter.Next(&key, value) {
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("iterating rule map: %w", err)
	}
	for _, k := range keys {
		if err := p.rules.Delete(k); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("deleting rule %d from map: %w", k, err)
		}
	}
	return nil
}

func (p *MapPoint) Reset(ctx context.Context) error {
	value, _ := NetworkRecord{RuleID: overrideKey, Action: uint32(policy.ActionAllow), Enabled: 1}.MarshalBinary()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rules == nil {
		return ErrPointUnavailable
	}
	if err := p.rules.Update(overrideKey, value, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("setting map override: %w", err)
	}
	return nil
}

// Count returns the number of entries in the map.
func (p *MapPoint) Count() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rules == nil {
		return 0, ErrPointUnavailable
	}
	count := 0
	var key uint64
	value := make([]byte, NetworkRecordSize)
	iter := p.rules.Iterate()
	for iter.Next(&key, value) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate rule map: %w", err)
	}
	return count, nil
}

// Lookup returns the record stored for rule id.
func (p *MapPoint) Lookup(id uint64) (NetworkRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rules == nil {
		return NetworkRecord{}, ErrPointUnavailable
	}
	value := make([]byte, NetworkRecordSize)
	if err := p.rules.Lookup(id, value); err != nil {
		return NetworkRecord{}, fmt.Errorf("rule lookup failed: %w", err)
	}
	var rec NetworkRecord
	err := rec.UnmarshalBinary(value)
	return rec, err
}

// drop forgets the map after an error. Caller holds mu.
func (p *MapPoint) drop(cause error) error {
	p.rules.Close()
	p.rules = nil
	return fmt.Errorf("%w: %s: %v", ErrPointUnavailable, p.name, cause)
}

func (p *MapPoint) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rules == nil {
		return nil
	}
	err := p.rules.Close()
	p.rules = nil
	return err
}
