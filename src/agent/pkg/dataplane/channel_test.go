// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// startServer runs a ChannelServer on a short socket path.
func startServer(t *testing.T) (*ChannelServer, *RuleCache, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "shs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	socket := filepath.Join(dir, "point.sock")
	cache := NewRuleCache()
	srv, err := NewChannelServer(socket, cache, os.Getuid())
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, cache, socket
}

func TestChannelServer_SocketPermissions(t *testing.T) {
	_, _, socket := startServer(t)
	info, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestChannelPoint_PushRemoveReset(t *testing.T) {
	_, cache, socket := startServer(t)
	ctx := context.Background()

	p := NewChannelPoint("network", policy.KindNetwork, socket)
	require.NoError(t, p.Connect(ctx))
	defer p.Close()

	block := policy.Rule{ID: 1, Kind: policy.KindNetwork, Action: policy.ActionBlock, RemotePort: 23, Enabled: true}
	require.NoError(t, p.Push(ctx, &block))
	assert.Equal(t, 1, cache.Len(policy.KindNetwork))
	assert.Equal(t, policy.ActionBlock, cache.ClassifyConnection(1, policy.ProtocolTCP, 1000, 23))

	require.NoError(t, p.Reset(ctx))
	assert.Equal(t, policy.ActionAllow, cache.ClassifyConnection(1, policy.ProtocolTCP, 1000, 23))

	require.NoError(t, p.Clear(ctx))
	assert.False(t, cache.Overridden(policy.KindNetwork))
	require.NoError(t, p.Push(ctx, &block))
	require.NoError(t, p.Remove(ctx, block.ID))
	assert.Equal(t, 0, cache.Len(policy.KindNetwork))

	// Removing an unknown rule is not an error.
	require.NoError(t, p.Remove(ctx, 99))
}

func TestChannelPoint_DevicePush(t *testing.T) {
	_, cache, socket := startServer(t)
	ctx := context.Background()

	p := NewChannelPoint("device", policy.KindDevice, socket)
	require.NoError(t, p.Connect(ctx))
	defer p.Close()

	allow := policy.Rule{ID: 5, Kind: policy.KindDevice, Action: policy.ActionAllow, DeviceType: policy.DeviceCamera, Enabled: true}
	require.NoError(t, p.Push(ctx, &allow))
	assert.Equal(t, policy.ActionAllow, cache.CheckDeviceAccess(1, policy.DeviceCamera))
	assert.Equal(t, policy.ActionBlock, cache.CheckDeviceAccess(1, policy.DeviceUSB))

	wrongKind := policy.Rule{ID: 6, Kind: policy.KindNetwork}
	assert.Error(t, p.Push(ctx, &wrongKind))
}

func TestChannelPoint_Unavailable(t *testing.T) {
	ctx := context.Background()
	p := NewChannelPoint("network", policy.KindNetwork, filepath.Join(t.TempDir(), "missing.sock"))

	assert.ErrorIs(t, p.Connect(ctx), ErrPointUnavailable)
	assert.ErrorIs(t, p.Ping(ctx), ErrPointUnavailable)
	rule := policy.Rule{ID: 1, Kind: policy.KindNetwork}
	assert.ErrorIs(t, p.Push(ctx, &rule), ErrPointUnavailable)
}

func TestChannelPoint_ServerGoesAway(t *testing.T) {
	srv, _, socket := startServer(t)
	ctx := context.Background()

	p := NewChannelPoint("network", policy.KindNetwork, socket)
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, srv.Close())

	assert.ErrorIs(t, p.Ping(ctx), ErrPointUnavailable)
	// The connection is dropped, so later calls fail fast.
	assert.ErrorIs(t, p.Ping(ctx), ErrPointUnavailable)
}

func TestChannelServer_RejectsBadFrames(t *testing.T) {
	_, _, socket := startServer(t)

	conn, err := net.DialTimeout("unix", socket, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	// Unknown kind.
	require.NoError(t, WriteFrame(conn, Frame{Op: OpClear, Kind: policy.KindApplication}))
	status, err := ReadAck(conn)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, status)

	// Wrong payload size for a push.
	require.NoError(t, WriteFrame(conn, Frame{Op: OpPush, Kind: policy.KindNetwork, Payload: make([]byte, 3)}))
	status, err = ReadAck(conn)
	require.NoError(t, err)
	assert.Equal(t, StatusBadFrame, status)

	// Unknown op.
	require.NoError(t, WriteFrame(conn, Frame{Op: Op(42), Kind: policy.KindNetwork}))
	status, err = ReadAck(conn)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, status)

	// Bad magic ends the session.
	_, err = conn.Write([]byte{0, 0, 1, 1, 0, 0})
	require.NoError(t, err)
	status, err = ReadAck(conn)
	require.NoError(t, err)
	assert.Equal(t, StatusBadFrame, status)
}
