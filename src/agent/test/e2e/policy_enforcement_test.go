// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package e2e

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/audit"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/securestore"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/testutil"
)

// TestE2E_BlockRule tests that a block rule created over the API reaches
// the enforcement point and that decisions are audited.
func TestE2E_BlockRule(t *testing.T) {
	env := NewE2ETestEnv(t)

	created := env.CreateRuleViaAPI(testutil.NetworkRule(policy.ActionBlock, 10,
		testutil.WithName("block-exfil"),
		testutil.WithProcess(4242, "curl"),
		testutil.WithRemote(policy.ProtocolTCP, "203.0.113.0/24", 443),
	))
	require.NotZero(t, created.ID)
	assert.True(t, created.Active)

	// Enforcement point
	assert.Equal(t, 1, env.Cache.Len(policy.KindNetwork))
	assert.Equal(t, policy.ActionBlock, env.Cache.ClassifyConnection(4242, policy.ProtocolTCP, 0, 443))
	assert.Equal(t, policy.ActionAllow, env.Cache.ClassifyConnection(4243, policy.ProtocolTCP, 0, 443))

	// Coordinator
	d := env.EvaluateNetwork(models.NetworkEvaluationRequest{
		ProcessID:     4242,
		ProcessName:   "curl",
		Protocol:      "tcp",
		RemotePort:    443,
		RemoteAddress: "203.0.113.7",
	})
	assert.Equal(t, "block", d.Action)
	require.NotNil(t, d.MatchedRuleID)
	assert.Equal(t, created.ID, *d.MatchedRuleID)

	d = env.EvaluateNetwork(models.NetworkEvaluationRequest{
		ProcessID:     4242,
		ProcessName:   "curl",
		Protocol:      "tcp",
		RemotePort:    443,
		RemoteAddress: "198.51.100.7",
	})
	assert.Equal(t, "allow", d.Action)
	assert.Nil(t, d.MatchedRuleID)

	events := env.AuditEvents(audit.EventNetworkConnection)
	require.Len(t, events, 2)
	assert.Equal(t, "block", events[0].Action)
	assert.Equal(t, "allow", events[1].Action)

	changes := env.AuditEvents(audit.EventPolicyChange)
	require.NotEmpty(t, changes)
	assert.Equal(t, string(policy.ChangeAdd), changes[0].Details["op"])

	assert.True(t, env.VerifyAuditChain().OK())
}

// TestE2E_DeviceDefaultDeny tests that devices without a matching rule are
// denied on both sides until an allow rule is added.
func TestE2E_DeviceDefaultDeny(t *testing.T) {
	env := NewE2ETestEnv(t)

	req := models.DeviceEvaluationRequest{
		ProcessID:   77,
		ProcessName: "zoom",
		DeviceType:  "camera",
		HardwareID:  "USB\\VID_046D&PID_0825",
	}

	d := env.EvaluateDevice(req)
	assert.Equal(t, "block", d.Action)
	assert.Nil(t, d.MatchedRuleID)
	assert.Equal(t, policy.ActionBlock, env.Cache.CheckDeviceAccess(77, policy.DeviceCamera))

	created := env.CreateRuleViaAPI(testutil.DeviceRule(policy.ActionAllow, 5,
		testutil.WithDevice(policy.DeviceCamera, ""),
	))

	d = env.EvaluateDevice(req)
	assert.Equal(t, "allow", d.Action)
	require.NotNil(t, d.MatchedRuleID)
	assert.Equal(t, created.ID, *d.MatchedRuleID)

	assert.Equal(t, policy.ActionAllow, env.Cache.CheckDeviceAccess(77, policy.DeviceCamera))
	assert.Equal(t, policy.ActionBlock, env.Cache.CheckDeviceAccess(77, policy.DeviceMicrophone))
}

// TestE2E_ToggleAndDelete tests that disabling and deleting a rule lifts
// it at the enforcement point.
func TestE2E_ToggleAndDelete(t *testing.T) {
	env := NewE2ETestEnv(t)

	created := env.CreateRuleViaAPI(testutil.NetworkRule(policy.ActionBlock, 1,
		testutil.WithLocalPort(22),
	))
	assert.Equal(t, policy.ActionBlock, env.Cache.ClassifyConnection(1, policy.ProtocolTCP, 22, 0))

	toggled := env.ToggleRuleViaAPI(created.ID)
	assert.False(t, toggled.Enabled)
	assert.Equal(t, 1, env.Cache.Len(policy.KindNetwork))
	assert.Equal(t, policy.ActionAllow, env.Cache.ClassifyConnection(1, policy.ProtocolTCP, 22, 0))

	toggled = env.ToggleRuleViaAPI(created.ID)
	assert.True(t, toggled.Enabled)
	assert.Equal(t, policy.ActionBlock, env.Cache.ClassifyConnection(1, policy.ProtocolTCP, 22, 0))

	env.DeleteRuleViaAPI(created.ID)
	assert.Zero(t, env.Cache.Len(policy.KindNetwork))
	assert.Equal(t, policy.ActionAllow, env.Cache.ClassifyConnection(1, policy.ProtocolTCP, 22, 0))

	ops := map[string]int{}
	for _, ev := range env.AuditEvents(audit.EventPolicyChange) {
		ops[ev.Details["op"]]++
	}
	assert.Equal(t, 1, ops[string(policy.ChangeAdd)])
	assert.Equal(t, 2, ops[string(policy.ChangeToggle)])
	assert.Equal(t, 1, ops[string(policy.ChangeDelete)])
}

// TestE2E_SystemReset tests that a reset lifts blocking at the point while
// the coordinator keeps its rules, that full syncs keep the override, and
// that a point restart restores enforcement.
func TestE2E_SystemReset(t *testing.T) {
	env := NewE2ETestEnv(t)

	env.CreateRuleViaAPI(testutil.NetworkRule(policy.ActionBlock, 1, testutil.WithLocalPort(3389)))

	var msg models.MessageResponse
	env.doJSON(http.MethodPost, "/system/reset", nil, http.StatusOK, &msg)
	assert.NotEmpty(t, msg.Message)

	assert.True(t, env.Cache.Overridden(policy.KindNetwork))
	assert.True(t, env.Cache.Overridden(policy.KindDevice))
	assert.Equal(t, policy.ActionAllow, env.Cache.ClassifyConnection(1, policy.ProtocolTCP, 3389, 0))
	assert.Equal(t, policy.ActionAllow, env.Cache.CheckDeviceAccess(1, policy.DeviceUSB))

	var list models.RuleListResponse
	env.doJSON(http.MethodGet, "/rules", nil, http.StatusOK, &list)
	assert.Equal(t, 1, list.Count)

	require.Len(t, env.AuditEvents(audit.EventSystemReset), 1)

	// Resyncs and rule changes are not a restart.
	require.NoError(t, env.Manager.Resync(context.Background()))
	env.CreateRuleViaAPI(testutil.NetworkRule(policy.ActionBlock, 2, testutil.WithLocalPort(5900)))
	assert.True(t, env.Cache.Overridden(policy.KindNetwork))
	assert.Equal(t, 2, env.Cache.Len(policy.KindNetwork))
	assert.Equal(t, policy.ActionAllow, env.Cache.ClassifyConnection(1, policy.ProtocolTCP, 3389, 0))
	assert.True(t, env.Sync.Overridden(policy.KindNetwork))

	socket := env.Point.Addr()
	require.NoError(t, env.Point.Close())
	require.Eventually(t, env.Sync.Degraded, 10*time.Second, 20*time.Millisecond)

	cache := env.RestartPoint(socket)
	require.Eventually(t, func() bool {
		return cache.Len(policy.KindNetwork) == 2
	}, 10*time.Second, 50*time.Millisecond)
	assert.False(t, env.Sync.Overridden(policy.KindNetwork))
	assert.False(t, cache.Overridden(policy.KindNetwork))
	assert.Equal(t, policy.ActionBlock, cache.ClassifyConnection(1, policy.ProtocolTCP, 3389, 0))
}

// TestE2E_PointRestart tests that rules pushed while a point was down reach
// it after it comes back.
func TestE2E_PointRestart(t *testing.T) {
	env := NewE2ETestEnv(t)

	socket := env.Point.Addr()
	require.NoError(t, env.Point.Close())

	env.CreateRuleViaAPI(testutil.NetworkRule(policy.ActionBlock, 1, testutil.WithLocalPort(445)))
	assert.True(t, env.Sync.Degraded())

	var status models.StatusResponse
	env.doJSON(http.MethodGet, "/status", nil, http.StatusOK, &status)
	assert.Equal(t, "degraded", status.Status)

	cache := env.RestartPoint(socket)

	require.Eventually(t, func() bool {
		return cache.Len(policy.KindNetwork) == 1
	}, 10*time.Second, 50*time.Millisecond)
	assert.False(t, env.Sync.Degraded())
	assert.Equal(t, policy.ActionBlock, cache.ClassifyConnection(1, policy.ProtocolTCP, 445, 0))
}

// TestE2E_AuditExport tests the CEF export and its exported markers.
func TestE2E_AuditExport(t *testing.T) {
	env := NewE2ETestEnv(t)
	start := time.Now().Add(-time.Second)

	env.CreateRuleViaAPI(testutil.NetworkRule(policy.ActionAudit, 1,
		testutil.WithRemote(policy.ProtocolUDP, "", 53),
		testutil.WithAuditLevel(policy.AuditHigh),
	))
	env.EvaluateNetwork(models.NetworkEvaluationRequest{
		ProcessID:     9,
		ProcessName:   "dig",
		Protocol:      "udp",
		RemotePort:    53,
		RemoteAddress: "192.0.2.53",
	})
	env.FlushAudit()

	out := env.ExportAudit(start, time.Now().Add(time.Second))
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "CEF:0|"), line)
	}
	assert.Contains(t, out, "|NetworkConnection|")
	assert.Contains(t, out, "|PolicyChange|")

	events := env.AuditEvents(audit.EventNetworkConnection)
	require.Len(t, events, 1)
	assert.True(t, events[0].Exported)
	assert.Equal(t, "audit", events[0].Action)

	assert.True(t, env.VerifyAuditChain().OK())
}

// TestE2E_RulesSurviveRestart tests that the sealed snapshot restores the
// rule table in a fresh coordinator.
func TestE2E_RulesSurviveRestart(t *testing.T) {
	env := NewE2ETestEnv(t)

	created := env.CreateRuleViaAPI(testutil.NetworkRule(policy.ActionBlock, 3,
		testutil.WithName("persisted"),
		testutil.WithLocalPort(8443),
	))
	require.NoError(t, env.Manager.Close())

	restored := policy.NewStore()
	mgr := policy.NewManager(restored, nil, nil, env.Storage)
	defer mgr.Close()
	require.NoError(t, mgr.LoadPersisted(context.Background()))

	r, ok := restored.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "persisted", r.Name)
	assert.Equal(t, uint16(8443), r.LocalPort)

	exists, err := env.Storage.Exists(audit.KeyName)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = env.Storage.Load("missing")
	assert.ErrorIs(t, err, securestore.ErrNotFound)
}
