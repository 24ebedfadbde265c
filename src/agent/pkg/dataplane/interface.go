// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"context"
	"errors"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

var (
	// ErrPointUnavailable is returned while an enforcement point is unreachable.
	ErrPointUnavailable = errors.New("enforcement point unavailable")
	// ErrRejected is returned when a point acknowledges a request with an error status.
	ErrRejected = errors.New("enforcement point rejected request")
)

// Point is one enforcement point as seen from the coordinator. Calls on a
// single Point are serialized by the Synchronizer.
type Point interface {
	// Name identifies the point in logs and audit events.
	Name() string
	// Kind is the only rule kind the point enforces.
	Kind() policy.Kind
	// Connect (re)establishes the connection.
	Connect(ctx context.Context) error
	// Ping checks that the point is still reachable.
	Ping(ctx context.Context) error
	// Push inserts or replaces one rule by ID. New rules go last.
	Push(ctx context.Context, r *policy.Rule) error
	Remove(ctx context.Context, id uint64) error
	// Clear drops every rule ahead of a full sync.
	Clear(ctx context.Context) error
	// Reset stops the point from blocking until the next Clear.
	Reset(ctx context.Context) error
	Close() error
}

// StateListener is told when a point goes down or comes back.
type StateListener interface {
	EnforcementStateChanged(point string, up bool, cause error)
}

// Ensure implementations satisfy their interfaces
var (
	_ Point           = (*ChannelPoint)(nil)
	_ Point           = (*MapPoint)(nil)
	_ policy.Enforcer = (*Synchronizer)(nil)
)
