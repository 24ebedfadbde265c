// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"context"
	"encoding"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

const defaultRequestTimeout = 2 * time.Second

// ChannelPoint talks to an enforcement point over its Unix domain control
// socket. A failed exchange drops the connection; requests then fail fast
// with ErrPointUnavailable until Connect succeeds again.
type ChannelPoint struct {
	name    string
	kind    policy.Kind
	socket  string
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	conn net.Conn
}

// NewChannelPoint creates a client for the point listening on socket.
func NewChannelPoint(name string, kind policy.Kind, socket string) *ChannelPoint {
	return &ChannelPoint{
		name:    name,
		kind:    kind,
		socket:  socket,
		timeout: defaultRequestTimeout,
		now:     time.Now,
	}
}

func (c *ChannelPoint) Name() string { return c.name }

func (c *ChannelPoint) Kind() policy.Kind { return c.kind }

// Connect dials the socket and checks the point answers a ping.
func (c *ChannelPoint) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrPointUnavailable, c.socket, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.Ping(ctx); err != nil {
		return err
	}
	log.WithFields(log.Fields{"point": c.name, "socket": c.socket}).Debug("Connected to enforcement point")
	return nil
}

func (c *ChannelPoint) Ping(ctx context.Context) error {
	return c.exchange(ctx, Frame{Op: OpPing, Kind: c.kind})
}

func (c *ChannelPoint) Push(ctx context.Context, r *policy.Rule) error {
	if r.Kind != c.kind {
		return fmt.Errorf("%s point cannot enforce %s rule %d", c.kind, r.Kind, r.ID)
	}
	var rec encoding.BinaryMarshaler
	switch r.Kind {
	case policy.KindNetwork:
		rec = NetworkRecordFromRule(r, c.now())
	case policy.KindDevice:
		rec = DeviceRecordFromRule(r, c.now())
	default:
		return fmt.Errorf("unsupported rule kind %s", r.Kind)
	}
	payload, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	return c.exchange(ctx, Frame{Op: OpPush, Kind: c.kind, Payload: payload})
}

func (c *ChannelPoint) Remove(ctx context.Context, id uint64) error {
	return c.exchange(ctx, Frame{Op: OpRemove, Kind: c.kind, Payload: removePayload(id)})
}

func (c *ChannelPoint) Clear(ctx context.Context) error {
	return c.exchange(ctx, Frame{Op: OpClear, Kind: c.kind})
}

func (c *ChannelPoint) Reset(ctx context.Context) error {
	return c.exchange(ctx, Frame{Op: OpReset, Kind: c.kind})
}

// exchange sends one frame and waits for its ack.
func (c *ChannelPoint) exchange(ctx context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrPointUnavailable
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return c.drop(err)
	}
	if err := WriteFrame(c.conn, f); err != nil {
		return c.drop(err)
	}
	status, err := ReadAck(c.conn)
	if err != nil {
		return c.drop(err)
	}
	if status != StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrRejected, f.Op, status)
	}
	return nil
}

// drop closes the connection after an I/O error. Caller holds mu.
func (c *ChannelPoint) drop(cause error) error {
	c.conn.Close()
	c.conn = nil
	return fmt.Errorf("%w: %s: %v", ErrPointUnavailable, c.name, cause)
}

func (c *ChannelPoint) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
