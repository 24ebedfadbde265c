// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package dataplane keeps enforcement points in step with the policy
// coordinator.
//
// An enforcement point holds its own copy of the rules and classifies
// traffic or device access locally; the coordinator only pushes changes.
// Two point implementations are provided:
//   - ChannelPoint speaks a small framed protocol over a Unix domain socket
//     to a point process. ChannelServer and RuleCache are that process's
//     side of the channel.
//   - MapPoint writes network rules into a pinned eBPF hash map read by a
//     classifier program.
//
// # Wire format
//
// Frames are little-endian: magic (0x5348), op, kind, payload length, then
// the payload. Rules travel as packed records:
//
//	network: ruleId:u64 processId:u32 protocol:u16 localPort:u16 remotePort:u16 action:u32 enabled:u8 reserved:u16 (25 bytes)
//	device:  ruleId:u64 processId:u32 deviceType:u32 action:u32 enabled:u8 (21 bytes)
//
// Every frame is answered with a u32 status, 0 meaning success.
//
// # Ordering
//
// The Synchronizer serializes pushes per point, so the sequence of rules a
// point has seen is always a prefix of the coordinator's order. Network and
// device points are pushed concurrently. When a point is unreachable its
// pushes fail fast with ErrPointUnavailable; the health loop reconnects and
// triggers a full resync.
package dataplane
