// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package audit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// Sink accepts events without blocking.
type Sink interface {
	Record(ev Event)
}

// Recorder turns policy decisions and administrative changes into audit
// events.
type Recorder struct {
	sink Sink
}

// NewRecorder creates a Recorder writing to sink.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Ensure Recorder implements policy.Auditor
var (
	_ policy.Auditor = (*Recorder)(nil)
	_ Sink           = (*Pipeline)(nil)
)

func (r *Recorder) AuditNetwork(_ context.Context, ev policy.NetworkEvent, d policy.Decision) {
	msg := fmt.Sprintf("%s %s connection to %s:%d: %s",
		ev.ProcessName, ev.Protocol, ev.RemoteAddress, ev.RemotePort, d.Reason)
	out := decisionEvent(EventNetworkConnection, d, msg)
	out.ProcessID = ev.ProcessID
	out.ProcessName = ev.ProcessName
	out.UserSID = ev.UserSID
	out.Details = map[string]string{
		"protocol":       ev.Protocol.String(),
		"local_port":     strconv.Itoa(int(ev.LocalPort)),
		"remote_port":    strconv.Itoa(int(ev.RemotePort)),
		"remote_address": ev.RemoteAddress,
	}
	r.sink.Record(out)
}

func (r *Recorder) AuditDevice(_ context.Context, ev policy.DeviceEvent, d policy.Decision) {
	msg := fmt.Sprintf("%s access to %s device %s: %s",
		ev.ProcessName, ev.DeviceType, ev.HardwareID, d.Reason)
	out := decisionEvent(EventDeviceAccess, d, msg)
	out.ProcessID = ev.ProcessID
	out.ProcessName = ev.ProcessName
	out.UserSID = ev.UserSID
	out.Details = map[string]string{
		"device_type": ev.DeviceType.String(),
		"hardware_id": ev.HardwareID,
	}
	r.sink.Record(out)
}

func decisionEvent(typ EventType, d policy.Decision, msg string) Event {
	ev := NewEvent(typ, d.AuditLevel, msg)
	ev.Action = d.Action.String()
	if d.MatchedRuleID != nil {
		id := *d.MatchedRuleID
		ev.MatchedRuleID = &id
	}
	return ev
}

func (r *Recorder) AuditPolicyChange(_ context.Context, c policy.Change) {
	typ := EventPolicyChange
	severity := policy.AuditNormal
	if c.Op == policy.ChangeReset {
		typ = EventSystemReset
		severity = policy.AuditHigh
	}

	msg := fmt.Sprintf("rule %d %s", c.RuleID, c.Op)
	if c.Op == policy.ChangeRestore || c.Op == policy.ChangeReset {
		msg = string(c.Op)
	}
	ev := NewEvent(typ, severity, msg).WithDetail("op", string(c.Op))
	if c.RuleID != 0 {
		ev = ev.WithDetail("rule_id", strconv.FormatUint(c.RuleID, 10))
	}
	if c.Rule != nil {
		ev = ev.WithDetail("kind", c.Rule.Kind.String()).
			WithDetail("action", c.Rule.Action.String()).
			WithDetail("enabled", strconv.FormatBool(c.Rule.Enabled)).
			WithDetail("priority", strconv.Itoa(int(c.Rule.Priority)))
		if c.Rule.Name != "" {
			ev = ev.WithDetail("name", c.Rule.Name)
		}
	}
	if c.Error != nil {
		ev.Severity = policy.AuditHigh
		ev = ev.WithDetail("error", c.Error.Error())
	}
	r.sink.Record(ev)
}

func (r *Recorder) AuditIntegrityViolation(_ context.Context, resource string, err error) {
	ev := NewEvent(EventIntegrityViolation, policy.AuditCritical,
		fmt.Sprintf("integrity check failed for %s", resource))
	ev = ev.WithDetail("resource", resource)
	if err != nil {
		ev = ev.WithDetail("error", err.Error())
	}
	r.sink.Record(ev)
}

// EnforcementStateChanged records an enforcement point going down or
// coming back.
func (r *Recorder) EnforcementStateChanged(point string, up bool, cause error) {
	state, severity := "down", policy.AuditHigh
	if up {
		state, severity = "up", policy.AuditNormal
	}
	ev := NewEvent(EventEnforcementStateChange, severity,
		fmt.Sprintf("%s enforcement point %s", point, state))
	ev = ev.WithDetail("point", point).WithDetail("state", state)
	if cause != nil {
		ev = ev.WithDetail("error", cause.Error())
	}
	r.sink.Record(ev)
}

// ServiceStarted records agent startup.
func (r *Recorder) ServiceStarted(version string) {
	r.sink.Record(NewEvent(EventServiceStart, policy.AuditNormal, "agent started").WithDetail("version", version))
}

// ServiceStopped records agent shutdown.
func (r *Recorder) ServiceStopped(reason string) {
	r.sink.Record(NewEvent(EventServiceStop, policy.AuditNormal, "agent stopped").WithDetail("reason", reason))
}
