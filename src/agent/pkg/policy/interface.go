// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package policy

import (
	"context"
	"time"
)

// RuleManager defines the administrative operations on the rule set.
// This interface is useful for testing and dependency injection.
type RuleManager interface {
	AddRule(ctx context.Context, r Rule) (Rule, error)
	GetRule(id uint64) (Rule, bool)
	ListRules() []Rule
	UpdateRule(ctx context.Context, id uint64, r Rule) (Rule, bool, error)
	DeleteRule(ctx context.Context, id uint64) bool
	ToggleRule(ctx context.Context, id uint64) (Rule, bool)
	ResetEnforcement(ctx context.Context) error
	Status() Status
}

// Evaluator is the read side used by the ad-hoc evaluation endpoints.
type Evaluator interface {
	EvaluateNetwork(ctx context.Context, ev NetworkEvent) Decision
	EvaluateDevice(ctx context.Context, ev DeviceEvent) Decision
	Statistics() Statistics
}

// Auditor receives every decision and every administrative change.
// Implementations must not block.
type Auditor interface {
	AuditNetwork(ctx context.Context, ev NetworkEvent, d Decision)
	AuditDevice(ctx context.Context, ev DeviceEvent, d Decision)
	AuditPolicyChange(ctx context.Context, c Change)
	AuditIntegrityViolation(ctx context.Context, resource string, err error)
}

// Enforcer pushes rules to the enforcement points.
type Enforcer interface {
	// Sync pushes one rule, replacing the point's copy in place.
	Sync(ctx context.Context, r Rule) error
	// SyncAll replaces the point's rule set with rules in evaluation order.
	SyncAll(ctx context.Context, rules []Rule) error
	// Remove drops one rule from its point.
	Remove(ctx context.Context, r Rule) error
	// Reset tells every point to stop blocking until the point restarts.
	Reset(ctx context.Context) error
}

// SnapshotStore persists the serialized rule table.
type SnapshotStore interface {
	Save(key string, data []byte) error
	Load(key string) ([]byte, error)
}

// ChangeOp names an administrative operation.
type ChangeOp string

const (
	ChangeAdd     ChangeOp = "add"
	ChangeUpdate  ChangeOp = "update"
	ChangeDelete  ChangeOp = "delete"
	ChangeToggle  ChangeOp = "toggle"
	ChangeRestore ChangeOp = "restore"
	ChangeReset   ChangeOp = "system_reset"
)

// Change describes one audited administrative operation.
type Change struct {
	Op     ChangeOp
	RuleID uint64
	Rule   *Rule
	Error  error
}

// Status summarizes the rule set for the status endpoint.
type Status struct {
	RulesCount  int
	ActiveRules int
	Uptime      time.Duration
}

// NopAuditor discards everything.
type NopAuditor struct{}

func (NopAuditor) AuditNetwork(context.Context, NetworkEvent, Decision)   {}
func (NopAuditor) AuditDevice(context.Context, DeviceEvent, Decision)     {}
func (NopAuditor) AuditPolicyChange(context.Context, Change)              {}
func (NopAuditor) AuditIntegrityViolation(context.Context, string, error) {}

// NopEnforcer accepts every push.
type NopEnforcer struct{}

func (NopEnforcer) Sync(context.Context, Rule) error      { return nil }
func (NopEnforcer) SyncAll(context.Context, []Rule) error { return nil }
func (NopEnforcer) Remove(context.Context, Rule) error    { return nil }
func (NopEnforcer) Reset(context.Context) error           { return nil }

// Ensure implementations satisfy their interfaces
var (
	_ RuleManager = (*Manager)(nil)
	_ Evaluator   = (*Engine)(nil)
	_ Auditor     = NopAuditor{}
	_ Enforcer    = NopEnforcer{}
)
