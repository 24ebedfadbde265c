// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package testutil holds fixtures shared by tests of several packages:
// rule builders, recording fakes and BPF map helpers.
package testutil

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// RuleOption adjusts a rule built by NetworkRule or DeviceRule.
type RuleOption func(*policy.Rule)

// NetworkRule returns an enabled network rule with the given verdict.
func NetworkRule(action policy.Action, priority int32, opts ...RuleOption) policy.Rule {
	r := policy.Rule{
		Kind:       policy.KindNetwork,
		Action:     action,
		Priority:   priority,
		Enabled:    true,
		AuditLevel: policy.AuditNormal,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// DeviceRule returns an enabled device rule with the given verdict.
func DeviceRule(action policy.Action, priority int32, opts ...RuleOption) policy.Rule {
	r := policy.Rule{
		Kind:       policy.KindDevice,
		Action:     action,
		Priority:   priority,
		Enabled:    true,
		AuditLevel: policy.AuditNormal,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func WithID(id uint64) RuleOption { return func(r *policy.Rule) { r.ID = id } }

func WithName(name string) RuleOption { return func(r *policy.Rule) { r.Name = name } }

func WithProcess(pid uint32, name string) RuleOption {
	return func(r *policy.Rule) {
		r.ProcessID = pid
		r.ProcessName = name
	}
}

func WithRemote(proto policy.Protocol, addr string, port uint16) RuleOption {
	return func(r *policy.Rule) {
		r.Protocol = proto
		r.RemoteAddress = addr
		r.RemotePort = port
	}
}

func WithLocalPort(port uint16) RuleOption { return func(r *policy.Rule) { r.LocalPort = port } }

func WithDevice(dt policy.DeviceType, hardwareID string) RuleOption {
	return func(r *policy.Rule) {
		r.DeviceType = dt
		r.HardwareID = hardwareID
	}
}

func WithUser(sid string) RuleOption { return func(r *policy.Rule) { r.UserSID = sid } }

func WithAuditLevel(l policy.AuditLevel) RuleOption { return func(r *policy.Rule) { r.AuditLevel = l } }

func Disabled() RuleOption { return func(r *policy.Rule) { r.Enabled = false } }

// ValidBetween bounds the rule to [from, until]. Either may be zero.
func ValidBetween(from, until time.Time) RuleOption {
	return func(r *policy.Rule) {
		if !from.IsZero() {
			f := from.UTC()
			r.ValidFrom = &f
		}
		if !until.IsZero() {
			u := until.UTC()
			r.ValidUntil = &u
		}
	}
}

// RandomNetworkRules builds n network rules with random priorities and
// filters drawn from small domains so events regularly match.
func RandomNetworkRules(rng *rand.Rand, n int) []policy.Rule {
	protos := []policy.Protocol{policy.ProtocolAny, policy.ProtocolTCP, policy.ProtocolUDP}
	actions := []policy.Action{policy.ActionAllow, policy.ActionBlock, policy.ActionAudit}
	rules := make([]policy.Rule, 0, n)
	for i := 0; i < n; i++ {
		opts := []RuleOption{
			WithName(fmt.Sprintf("random-%d", i)),
			WithRemote(protos[rng.Intn(len(protos))], RandomSubnet(rng), uint16(rng.Intn(4))*1000),
		}
		if rng.Intn(4) == 0 {
			opts = append(opts, WithProcess(0, RandomProcessName(rng)))
		}
		rules = append(rules, NetworkRule(actions[rng.Intn(len(actions))], int32(rng.Intn(100)), opts...))
	}
	return rules
}

// RandomNetworkEvent builds an event drawn from the same domains as
// RandomNetworkRules.
func RandomNetworkEvent(rng *rand.Rand) policy.NetworkEvent {
	return policy.NetworkEvent{
		ProcessID:     uint32(rng.Intn(5000) + 1),
		ProcessName:   RandomProcessName(rng),
		Protocol:      []policy.Protocol{policy.ProtocolTCP, policy.ProtocolUDP}[rng.Intn(2)],
		LocalPort:     uint16(rng.Intn(60000) + 1024),
		RemotePort:    uint16(rng.Intn(4)) * 1000,
		RemoteAddress: fmt.Sprintf("10.%d.%d.%d", rng.Intn(4), rng.Intn(256), rng.Intn(256)),
	}
}

// RandomSubnet returns a /16 or /24 inside 10.0.0.0/14, or "*".
func RandomSubnet(rng *rand.Rand) string {
	switch rng.Intn(3) {
	case 0:
		return "*"
	case 1:
		return fmt.Sprintf("10.%d.0.0/16", rng.Intn(4))
	default:
		return fmt.Sprintf("10.%d.%d.0/24", rng.Intn(4), rng.Intn(256))
	}
}

// RandomProcessName returns one of a handful of process names or patterns.
func RandomProcessName(rng *rand.Rand) string {
	names := []string{"curl", "sshd", "firefox", "python3", "ssh*", "*fox"}
	return names[rng.Intn(len(names))]
}

// RecordingAuditor captures every audit call. It is safe for concurrent use.
type RecordingAuditor struct {
	mu         sync.Mutex
	Network    []policy.Decision
	Device     []policy.Decision
	Changes    []policy.Change
	Violations []string
}

func (a *RecordingAuditor) AuditNetwork(_ context.Context, _ policy.NetworkEvent, d policy.Decision) {
	a.mu.Lock()
	a.Network = append(a.Network, d)
	a.mu.Unlock()
}

func (a *RecordingAuditor) AuditDevice(_ context.Context, _ policy.DeviceEvent, d policy.Decision) {
	a.mu.Lock()
	a.Device = append(a.Device, d)
	a.mu.Unlock()
}

func (a *RecordingAuditor) AuditPolicyChange(_ context.Context, c policy.Change) {
	a.mu.Lock()
	a.Changes = append(a.Changes, c)
	a.mu.Unlock()
}

func (a *RecordingAuditor) AuditIntegrityViolation(_ context.Context, resource string, _ error) {
	a.mu.Lock()
	a.Violations = append(a.Violations, resource)
	a.mu.Unlock()
}

// Counts returns the number of network decisions, device decisions and changes seen.
func (a *RecordingAuditor) Counts() (network, device, changes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Network), len(a.Device), len(a.Changes)
}

// ChangeOps returns the recorded change operations in order.
func (a *RecordingAuditor) ChangeOps() []policy.ChangeOp {
	a.mu.Lock()
	defer a.mu.Unlock()
	ops := make([]policy.ChangeOp, len(a.Changes))
	for i, c := range a.Changes {
		ops[i] = c.Op
	}
	return ops
}

// Ensure RecordingAuditor implements policy.Auditor
var _ policy.Auditor = (*RecordingAuditor)(nil)
