// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// EventType classifies audit records.
type EventType string

const (
	EventNetworkConnection      EventType = "NetworkConnection"
	EventDeviceAccess           EventType = "DeviceAccess"
	EventPolicyChange           EventType = "PolicyChange"
	EventServiceStart           EventType = "ServiceStart"
	EventServiceStop            EventType = "ServiceStop"
	EventTamperAttempt          EventType = "TamperAttempt"
	EventIntegrityViolation     EventType = "IntegrityViolation"
	EventEnforcementStateChange EventType = "EnforcementStateChange"
	EventAuditDrainTimeout      EventType = "AuditDrainTimeout"
	EventSystemReset            EventType = "SystemReset"
)

// mirrored reports whether events of this type are also sent to the OS
// trace facility at enqueue time.
func (t EventType) mirrored() bool {
	return t == EventTamperAttempt || t == EventIntegrityViolation
}

// Event is one audit record. Once written it is never modified; Exported
// and ExportedAt come from the segment's marker file and are not part of
// the record line.
type Event struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	Type          EventType         `json:"type"`
	Severity      policy.AuditLevel `json:"severity"`
	ProcessID     uint32            `json:"process_id,omitempty"`
	ProcessName   string            `json:"process_name,omitempty"`
	UserSID       string            `json:"user_sid,omitempty"`
	Action        string            `json:"action,omitempty"`
	MatchedRuleID *uint64           `json:"matched_rule_id,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	Message       string            `json:"message,omitempty"`

	Sequence uint64 `json:"seq"`
	PrevHash string `json:"prev_hash"`
	// Hash must stay the last serialized field, see chain.go.
	Hash string `json:"hash"`

	Exported   bool       `json:"-"`
	ExportedAt *time.Time `json:"-"`
}

// NewEvent creates an event with a fresh ID and the current UTC time.
func NewEvent(typ EventType, severity policy.AuditLevel, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Severity:  severity,
		Message:   message,
	}
}

// WithDetail sets one detail key and returns the event.
func (e Event) WithDetail(key, value string) Event {
	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	e.Details = details
	return e
}
