// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package policy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseProtocol tests protocol parsing
func TestParseProtocol(t *testing.T) {
	testCases := []struct {
		name        string
		input       string
		expected    Protocol
		expectError bool
	}{
		{name: "tcp lowercase", input: "tcp", expected: ProtocolTCP},
		{name: "tcp uppercase", input: "TCP", expected: ProtocolTCP},
		{name: "udp lowercase", input: "udp", expected: ProtocolUDP},
		{name: "icmp", input: "icmp", expected: ProtocolICMP},
		{name: "any", input: "any", expected: ProtocolAny},
		{name: "empty means any", input: "", expected: ProtocolAny},
		{name: "invalid protocol", input: "sctp", expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := ParseProtocol(tc.input)
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}

// TestParseAction tests action parsing
func TestParseAction(t *testing.T) {
	testCases := []struct {
		name        string
		input       string
		expected    Action
		expectError bool
	}{
		{name: "allow", input: "allow", expected: ActionAllow},
		{name: "ALLOW uppercase", input: "ALLOW", expected: ActionAllow},
		{name: "block", input: "block", expected: ActionBlock},
		{name: "deny alias", input: "deny", expected: ActionBlock},
		{name: "audit", input: "audit", expected: ActionAudit},
		{name: "log alias", input: "log", expected: ActionAudit},
		{name: "invalid action", input: "drop", expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := ParseAction(tc.input)
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestActionWireValues(t *testing.T) {
	assert.Equal(t, uint32(0), uint32(ActionAllow))
	assert.Equal(t, uint32(1), uint32(ActionBlock))
	assert.Equal(t, uint32(2), uint32(ActionAudit))

	assert.Equal(t, uint32(1), uint32(DeviceCamera))
	assert.Equal(t, uint32(2), uint32(DeviceMicrophone))
	assert.Equal(t, uint32(3), uint32(DeviceUSB))
	assert.Equal(t, uint32(4), uint32(DeviceBluetooth))
}

// TestRuleValidation tests rule validation
func TestRuleValidation(t *testing.T) {
	from := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	until := from.Add(-time.Hour)

	testCases := []struct {
		name        string
		rule        Rule
		expectField string
	}{
		{
			name: "valid network rule",
			rule: Rule{Kind: KindNetwork, Action: ActionBlock, Protocol: ProtocolTCP, RemotePort: 443},
		},
		{
			name: "valid device rule",
			rule: Rule{Kind: KindDevice, Action: ActionAllow, DeviceType: DeviceUSB},
		},
		{
			name:        "missing kind",
			rule:        Rule{Action: ActionAllow},
			expectField: "kind",
		},
		{
			name:        "unknown action",
			rule:        Rule{Kind: KindNetwork, Action: Action(9)},
			expectField: "action",
		},
		{
			name:        "unknown audit level",
			rule:        Rule{Kind: KindNetwork, AuditLevel: AuditLevel(7)},
			expectField: "audit_level",
		},
		{
			name:        "unknown device type",
			rule:        Rule{Kind: KindDevice, DeviceType: DeviceType(12)},
			expectField: "device_type",
		},
		{
			name:        "inverted window",
			rule:        Rule{Kind: KindNetwork, ValidFrom: &from, ValidUntil: &until},
			expectField: "valid_until",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			if tc.expectField == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.expectField, ve.Field)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestRuleClone_CopiesTimePointers(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r := Rule{Kind: KindNetwork, ValidFrom: &from}

	c := r.Clone()
	require.NotNil(t, c.ValidFrom)
	*c.ValidFrom = from.Add(time.Hour)

	assert.Equal(t, from, *r.ValidFrom)
}

func TestRuleJSON_UsesNames(t *testing.T) {
	r := Rule{
		Kind:       KindDevice,
		Action:     ActionBlock,
		DeviceType: DeviceCamera,
		AuditLevel: AuditHigh,
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"device"`)
	assert.Contains(t, string(data), `"action":"block"`)
	assert.Contains(t, string(data), `"device_type":"camera"`)
	assert.Contains(t, string(data), `"audit_level":"high"`)

	var back Rule
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r.Kind, back.Kind)
	assert.Equal(t, r.Action, back.Action)
	assert.Equal(t, r.DeviceType, back.DeviceType)
	assert.Equal(t, r.AuditLevel, back.AuditLevel)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"printer"}`), &back))
}
