// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package policy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// NetworkEvent describes one connection attempt observed by the network point.
type NetworkEvent struct {
	ProcessID     uint32
	ProcessName   string
	Protocol      Protocol
	LocalPort     uint16
	RemotePort    uint16
	RemoteAddress string
	UserSID       string
}

// DeviceEvent describes one device arrival or open request.
type DeviceEvent struct {
	ProcessID   uint32
	ProcessName string
	DeviceType  DeviceType
	HardwareID  string
	UserSID     string
}

// Statistics holds decision counters.
type Statistics struct {
	NetworkEvaluations uint64 `json:"network_evaluations"`
	DeviceEvaluations  uint64 `json:"device_evaluations"`
	Allowed            uint64 `json:"allowed"`
	Blocked            uint64 `json:"blocked"`
	Audited            uint64 `json:"audited"`
	DefaultApplied     uint64 `json:"default_applied"`
}

type counters struct {
	network  atomic.Uint64
	device   atomic.Uint64
	allowed  atomic.Uint64
	blocked  atomic.Uint64
	audited  atomic.Uint64
	defaults atomic.Uint64
}

// Engine evaluates events against the current Store snapshot. It is safe
// for concurrent use and never blocks on rule mutations.
type Engine struct {
	store   *Store
	auditor Auditor
	now     func() time.Time
	stats   counters
}

// NewEngine creates an engine. A nil auditor discards decisions.
func NewEngine(store *Store, auditor Auditor) *Engine {
	if auditor == nil {
		auditor = NopAuditor{}
	}
	return &Engine{store: store, auditor: auditor, now: time.Now}
}

// EvaluateNetwork returns the decision for a connection attempt. Unmatched
// connections are allowed.
func (e *Engine) EvaluateNetwork(ctx context.Context, ev NetworkEvent) Decision {
	e.stats.network.Add(1)
	now := e.now()

	d := Decision{
		Action:     ActionAllow,
		Reason:     "no matching network rule, default allow",
		AuditLevel: AuditLow,
	}
	for _, r := range e.store.Snapshot().Ordered(KindNetwork) {
		if !IsActive(r, now) || r.compiled == nil {
			continue
		}
		if r.compiled.matchNetwork(r, &ev) {
			d = matched(r)
			break
		}
	}

	e.count(d)
	e.auditor.AuditNetwork(ctx, ev, d)
	return d
}

// EvaluateDevice returns the decision for a device access. Unmatched
// accesses are blocked.
func (e *Engine) EvaluateDevice(ctx context.Context, ev DeviceEvent) Decision {
	e.stats.device.Add(1)
	now := e.now()

	d := Decision{
		Action:     ActionBlock,
		Reason:     "no matching device rule, default block",
		AuditLevel: AuditHigh,
	}
	for _, r := range e.store.Snapshot().Ordered(KindDevice) {
		if !IsActive(r, now) || r.compiled == nil {
			continue
		}
		if r.compiled.matchDevice(r, &ev) {
			d = matched(r)
			break
		}
	}

	e.count(d)
	e.auditor.AuditDevice(ctx, ev, d)
	return d
}

// Statistics returns a point-in-time copy of the decision counters.
func (e *Engine) Statistics() Statistics {
	return Statistics{
		NetworkEvaluations: e.stats.network.Load(),
		DeviceEvaluations:  e.stats.device.Load(),
		Allowed:            e.stats.allowed.Load(),
		Blocked:            e.stats.blocked.Load(),
		Audited:            e.stats.audited.Load(),
		DefaultApplied:     e.stats.defaults.Load(),
	}
}

func (e *Engine) count(d Decision) {
	switch d.Action {
	case ActionAllow:
		e.stats.allowed.Add(1)
	case ActionBlock:
		e.stats.blocked.Add(1)
	case ActionAudit:
		e.stats.audited.Add(1)
	}
	if !d.Matched() {
		e.stats.defaults.Add(1)
	}
}

func matched(r *Rule) Decision {
	id := r.ID
	reason := fmt.Sprintf("matched rule %d", r.ID)
	if r.Name != "" {
		reason = fmt.Sprintf("matched rule %d (%s)", r.ID, r.Name)
	}
	return Decision{
		Action:        r.Action,
		MatchedRuleID: &id,
		Reason:        reason,
		AuditLevel:    r.AuditLevel,
	}
}
