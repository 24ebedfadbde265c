// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects which events a rule applies to.
type Kind uint8

const (
	KindNetwork Kind = iota + 1
	KindDevice
	KindApplication
)

// Action is the verdict carried by a rule or a decision.
// The numeric values are the control-channel wire values.
type Action uint32

const (
	ActionAllow Action = 0
	ActionBlock Action = 1
	ActionAudit Action = 2
)

// AuditLevel controls the severity of the audit record written for a match.
type AuditLevel uint8

const (
	AuditNone AuditLevel = iota
	AuditLow
	AuditNormal
	AuditHigh
	AuditCritical
)

// DeviceType values match the device filter driver enumeration.
type DeviceType uint32

const (
	DeviceUnknown    DeviceType = 0
	DeviceCamera     DeviceType = 1
	DeviceMicrophone DeviceType = 2
	DeviceUSB        DeviceType = 3
	DeviceBluetooth  DeviceType = 4
)

// Protocol is an IANA protocol number; 0 matches any protocol.
type Protocol uint16

const (
	ProtocolAny  Protocol = 0
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

// Rule is a single policy rule. ID, CreatedAt and ModifiedAt are assigned
// by the Store and ignored on input.
type Rule struct {
	ID          uint64 `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	Kind       Kind       `json:"kind"`
	Action     Action     `json:"action"`
	Priority   int32      `json:"priority"`
	Enabled    bool       `json:"enabled"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`

	ProcessID   uint32 `json:"process_id,omitempty"`
	ProcessName string `json:"process_name,omitempty"`

	// Network filters
	Protocol      Protocol `json:"protocol,omitempty"`
	LocalPort     uint16   `json:"local_port,omitempty"`
	RemotePort    uint16   `json:"remote_port,omitempty"`
	RemoteAddress string   `json:"remote_address,omitempty"`

	// Device filters
	DeviceType DeviceType `json:"device_type,omitempty"`
	HardwareID string     `json:"hardware_id,omitempty"`

	UserSID    string     `json:"user_sid,omitempty"`
	AuditLevel AuditLevel `json:"audit_level"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`

	compiled *compiledRule
}

// Decision is the result of evaluating one event.
type Decision struct {
	Action        Action
	MatchedRuleID *uint64
	Reason        string
	AuditLevel    AuditLevel
}

// Matched reports whether a rule (rather than the default policy) produced the decision.
func (d Decision) Matched() bool {
	return d.MatchedRuleID != nil
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	c := r
	if r.ValidFrom != nil {
		t := *r.ValidFrom
		c.ValidFrom = &t
	}
	if r.ValidUntil != nil {
		t := *r.ValidUntil
		c.ValidUntil = &t
	}
	// compiled matchers are immutable and safe to share
	return c
}

// Validate checks the enumerations and the temporal window. Pattern syntax
// is checked when the rule is compiled by the Store.
func (r *Rule) Validate() error {
	switch r.Kind {
	case KindNetwork, KindDevice, KindApplication:
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown rule kind %d", r.Kind)}
	}
	switch r.Action {
	case ActionAllow, ActionBlock, ActionAudit:
	default:
		return &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %d", r.Action)}
	}
	if r.AuditLevel > AuditCritical {
		return &ValidationError{Field: "audit_level", Message: fmt.Sprintf("unknown audit level %d", r.AuditLevel)}
	}
	if r.DeviceType > DeviceBluetooth {
		return &ValidationError{Field: "device_type", Message: fmt.Sprintf("unknown device type %d", r.DeviceType)}
	}
	if r.ValidFrom != nil && r.ValidUntil != nil && r.ValidUntil.Before(*r.ValidFrom) {
		return &ValidationError{Field: "valid_until", Message: "valid_until is before valid_from"}
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindDevice:
		return "device"
	case KindApplication:
		return "application"
	default:
		return fmt.Sprintf("%d", k)
	}
}

// ParseKind parses a rule kind name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "network":
		return KindNetwork, nil
	case "device":
		return KindDevice, nil
	case "application":
		return KindApplication, nil
	default:
		return 0, fmt.Errorf("unknown rule kind: %s", s)
	}
}

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionBlock:
		return "block"
	case ActionAudit:
		return "audit"
	default:
		return fmt.Sprintf("%d", a)
	}
}

// ParseAction parses an action name. "deny" is accepted as an alias of block.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "allow":
		return ActionAllow, nil
	case "block", "deny":
		return ActionBlock, nil
	case "audit", "log":
		return ActionAudit, nil
	default:
		return 0, fmt.Errorf("unknown action: %s", s)
	}
}

func (l AuditLevel) String() string {
	switch l {
	case AuditNone:
		return "none"
	case AuditLow:
		return "low"
	case AuditNormal:
		return "normal"
	case AuditHigh:
		return "high"
	case AuditCritical:
		return "critical"
	default:
		return fmt.Sprintf("%d", l)
	}
}

// ParseAuditLevel parses an audit level name. The empty string means normal.
func ParseAuditLevel(s string) (AuditLevel, error) {
	switch strings.ToLower(s) {
	case "none":
		return AuditNone, nil
	case "low":
		return AuditLow, nil
	case "normal", "":
		return AuditNormal, nil
	case "high":
		return AuditHigh, nil
	case "critical":
		return AuditCritical, nil
	default:
		return 0, fmt.Errorf("unknown audit level: %s", s)
	}
}

func (d DeviceType) String() string {
	switch d {
	case DeviceUnknown:
		return "unknown"
	case DeviceCamera:
		return "camera"
	case DeviceMicrophone:
		return "microphone"
	case DeviceUSB:
		return "usb"
	case DeviceBluetooth:
		return "bluetooth"
	default:
		return fmt.Sprintf("%d", d)
	}
}

// ParseDeviceType parses a device type name. The empty string means unknown.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(s) {
	case "camera":
		return DeviceCamera, nil
	case "microphone":
		return DeviceMicrophone, nil
	case "usb":
		return DeviceUSB, nil
	case "bluetooth":
		return DeviceBluetooth, nil
	case "unknown", "":
		return DeviceUnknown, nil
	default:
		return 0, fmt.Errorf("unknown device type: %s", s)
	}
}

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMP:
		return "icmp"
	case ProtocolAny:
		return "any"
	default:
		return fmt.Sprintf("%d", p)
	}
}

// ParseProtocol parses a protocol name. The empty string means any.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	case "icmp":
		return ProtocolICMP, nil
	case "any", "":
		return ProtocolAny, nil
	default:
		return 0, fmt.Errorf("unknown protocol: %s", s)
	}
}

// Text marshalling keeps the persisted snapshot and API payloads readable.

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (l AuditLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *AuditLevel) UnmarshalText(b []byte) error {
	v, err := ParseAuditLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

func (d DeviceType) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DeviceType) UnmarshalText(b []byte) error {
	v, err := ParseDeviceType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (p Protocol) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Protocol) UnmarshalText(b []byte) error {
	v, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
