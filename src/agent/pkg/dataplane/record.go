// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// Record sizes on the wire. Layouts are packed little-endian and must match
// the enforcement point's structs exactly. A network record ends with two
// reserved zero bytes after enabled, which are part of its size.
const (
	NetworkRecordSize = 25
	DeviceRecordSize  = 21
)

// NetworkRecord is the enforcement point's view of a network rule.
type NetworkRecord struct {
	RuleID     uint64
	ProcessID  uint32
	Protocol   uint16
	LocalPort  uint16
	RemotePort uint16
	Action     uint32
	Enabled    uint8
}

// DeviceRecord is the enforcement point's view of a device rule.
type DeviceRecord struct {
	RuleID     uint64
	ProcessID  uint32
	DeviceType uint32
	Action     uint32
	Enabled    uint8
}

// ErrShortRecord is returned when decoding fewer bytes than a record needs.
var ErrShortRecord = errors.New("record too short")

// NetworkRecordFromRule converts a network rule. Enabled reflects whether
// the rule is active at now.
func NetworkRecordFromRule(r *policy.Rule, now time.Time) NetworkRecord {
	return NetworkRecord{
		RuleID:     r.ID,
		ProcessID:  r.ProcessID,
		Protocol:   uint16(r.Protocol),
		LocalPort:  r.LocalPort,
		RemotePort: r.RemotePort,
		Action:     uint32(r.Action),
		Enabled:    boolByte(policy.IsActive(r, now)),
	}
}

// DeviceRecordFromRule converts a device rule.
func DeviceRecordFromRule(r *policy.Rule, now time.Time) DeviceRecord {
	return DeviceRecord{
		RuleID:     r.ID,
		ProcessID:  r.ProcessID,
		DeviceType: uint32(r.DeviceType),
		Action:     uint32(r.Action),
		Enabled:    boolByte(policy.IsActive(r, now)),
	}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func (r NetworkRecord) MarshalBinary() ([]byte, error) {
	b := make([]byte, NetworkRecordSize)
	binary.LittleEndian.PutUint64(b[0:8], r.RuleID)
	binary.LittleEndian.PutUint32(b[8:12], r.ProcessID)
	binary.LittleEndian.PutUint16(b[12:14], r.Protocol)
	binary.LittleEndian.PutUint16(b[14:16], r.LocalPort)
	binary.LittleEndian.PutUint16(b[16:18], r.RemotePort)
	binary.LittleEndian.PutUint32(b[18:22], r.Action)
	b[22] = r.Enabled
	// b[23:25] reserved, zero
	return b, nil
}

func (r *NetworkRecord) UnmarshalBinary(b []byte) error {
	if len(b) < NetworkRecordSize {
		return fmt.Errorf("network record: %w", ErrShortRecord)
	}
	r.RuleID = binary.LittleEndian.Uint64(b[0:8])
	r.ProcessID = binary.LittleEndian.Uint32(b[8:12])
	r.Protocol = binary.LittleEndian.Uint16(b[12:14])
	r.LocalPort = binary.LittleEndian.Uint16(b[14:16])
	r.RemotePort = binary.LittleEndian.Uint16(b[16:18])
	r.Action = binary.LittleEndian.Uint32(b[18:22])
	r.Enabled = b[22]
	return nil
}

func (r DeviceRecord) MarshalBinary() ([]byte, error) {
	b := make([]byte, DeviceRecordSize)
	binary.LittleEndian.PutUint64(b[0:8], r.RuleID)
	binary.LittleEndian.PutUint32(b[8:12], r.ProcessID)
	binary.LittleEndian.PutUint32(b[12:16], r.DeviceType)
	binary.LittleEndian.PutUint32(b[16:20], r.Action)
	b[20] = r.Enabled
	return b, nil
}

func (r *DeviceRecord) UnmarshalBinary(b []byte) error {
	if len(b) < DeviceRecordSize {
		return fmt.Errorf("device record: %w", ErrShortRecord)
	}
	r.RuleID = binary.LittleEndian.Uint64(b[0:8])
	r.ProcessID = binary.LittleEndian.Uint32(b[8:12])
	r.DeviceType = binary.LittleEndian.Uint32(b[12:16])
	r.Action = binary.LittleEndian.Uint32(b[16:20])
	r.Enabled = b[20]
	return nil
}

// Op is a control channel operation.
type Op uint8

const (
	OpPush Op = iota + 1
	OpRemove
	// OpReset lifts enforcement until the next OpClear.
	OpReset
	OpPing
	// OpClear drops every record of a kind ahead of a full sync.
	OpClear
)

func (o Op) String() string {
	switch o {
	case OpPush:
		return "push"
	case OpRemove:
		return "remove"
	case OpReset:
		return "reset"
	case OpPing:
		return "ping"
	case OpClear:
		return "clear"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

const (
	frameMagic      uint16 = 0x5348
	frameHeaderSize        = 6
	maxFramePayload        = 1024
)

// Ack status codes.
const (
	StatusOK uint32 = iota
	StatusBadFrame
	StatusRejected
)

var (
	ErrBadMagic    = errors.New("bad frame magic")
	ErrFrameTooBig = errors.New("frame payload too large")
)

// Frame is one request on the control channel.
type Frame struct {
	Op      Op
	Kind    policy.Kind
	Payload []byte
}

// WriteFrame encodes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxFramePayload {
		return ErrFrameTooBig
	}
	buf := make([]byte, frameHeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], frameMagic)
	buf[2] = uint8(f.Op)
	buf[3] = uint8(f.Kind)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(f.Payload)))
	copy(buf[frameHeaderSize:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame decodes one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if binary.LittleEndian.Uint16(hdr[0:2]) != frameMagic {
		return Frame{}, ErrBadMagic
	}
	n := int(binary.LittleEndian.Uint16(hdr[4:6]))
	if n > maxFramePayload {
		return Frame{}, ErrFrameTooBig
	}
	f := Frame{Op: Op(hdr[2]), Kind: policy.Kind(hdr[3])}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// WriteAck writes a status reply.
func WriteAck(w io.Writer, status uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], status)
	_, err := w.Write(b[:])
	return err
}

// ReadAck reads a status reply.
func ReadAck(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func removePayload(id uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, id)
	return b
}
