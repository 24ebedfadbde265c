// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package testutil

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

func TestRuleBuilders(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	r := NetworkRule(policy.ActionBlock, 10,
		WithRemote(policy.ProtocolTCP, "10.0.0.0/8", 22),
		WithProcess(7, "sshd"),
		ValidBetween(from, time.Time{}),
		Disabled(),
	)

	assert.Equal(t, policy.KindNetwork, r.Kind)
	assert.Equal(t, uint16(22), r.RemotePort)
	assert.False(t, r.Enabled)
	require.NotNil(t, r.ValidFrom)
	assert.Equal(t, time.UTC, r.ValidFrom.Location())
	assert.Nil(t, r.ValidUntil)
	assert.NoError(t, r.Validate())

	d := DeviceRule(policy.ActionAllow, 1, WithDevice(policy.DeviceCamera, "USB\\*"), WithUser("S-1-5-18"))
	assert.Equal(t, policy.KindDevice, d.Kind)
	assert.Equal(t, policy.DeviceCamera, d.DeviceType)
	assert.NoError(t, d.Validate())
}

func TestRandomNetworkRules_AreStorable(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	store := policy.NewStore()
	for _, r := range RandomNetworkRules(rng, 200) {
		_, err := store.Add(r)
		require.NoError(t, err)
	}
	assert.Equal(t, 200, store.Snapshot().Len())
}

func TestRecordingAuditor(t *testing.T) {
	a := &RecordingAuditor{}
	ctx := context.Background()
	a.AuditNetwork(ctx, policy.NetworkEvent{}, policy.Decision{})
	a.AuditPolicyChange(ctx, policy.Change{Op: policy.ChangeAdd})
	a.AuditPolicyChange(ctx, policy.Change{Op: policy.ChangeReset})

	n, d, c := a.Counts()
	assert.Equal(t, 1, n)
	assert.Zero(t, d)
	assert.Equal(t, 2, c)
	assert.Equal(t, []policy.ChangeOp{policy.ChangeAdd, policy.ChangeReset}, a.ChangeOps())
}
