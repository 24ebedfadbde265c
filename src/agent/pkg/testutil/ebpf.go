// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// Rule map layout read by the network classifier: rule ID keys and packed
// network record values.
const (
	RuleMapKeySize   = 8
	RuleMapValueSize = 25
)

// BPFFSRoot is where test maps are pinned.
var BPFFSRoot = "/sys/fs/bpf"

// RuleMapSpec returns the spec of a rule map holding up to maxEntries rules.
func RuleMapSpec(maxEntries uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "securehost_rules",
		Type:       ebpf.Hash,
		KeySize:    RuleMapKeySize,
		ValueSize:  RuleMapValueSize,
		MaxEntries: maxEntries,
	}
}

// NewRuleMap creates a rule map closed at test cleanup. The test is
// skipped when the kernel or the test's privileges do not allow BPF maps.
func NewRuleMap(t testing.TB) *ebpf.Map {
	t.Helper()
	if msg := CheckBPFRequirements(); msg != "" {
		t.Skip(msg)
	}
	m, err := ebpf.NewMap(RuleMapSpec(256))
	if err != nil {
		t.Skipf("BPF maps unavailable: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// PinRuleMap creates a rule map and pins it under BPFFSRoot, returning the
// pin path. The pin is removed at test cleanup. The test is skipped when no
// BPF filesystem is mounted.
func PinRuleMap(t testing.TB) string {
	t.Helper()
	m := NewRuleMap(t)

	var st unix.Statfs_t
	if err := unix.Statfs(BPFFSRoot, &st); err != nil || st.Type != unix.BPF_FS_MAGIC {
		t.Skipf("no BPF filesystem at %s", BPFFSRoot)
	}

	dir, err := os.MkdirTemp(BPFFSRoot, "securehost-test-")
	if err != nil {
		t.Skipf("cannot create pin directory: %v", err)
	}
	path := filepath.Join(dir, "rules")
	if err := m.Pin(path); err != nil {
		os.RemoveAll(dir)
		t.Skipf("cannot pin map: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Unpin()
		_ = os.RemoveAll(dir)
	})
	return path
}

// CountEntries counts the entries of a rule map.
func CountEntries(m *ebpf.Map) (int, error) {
	count := 0
	var key uint64
	value := make([]byte, m.ValueSize())

	iter := m.Iterate()
	for iter.Next(&key, value) {
		count++
	}

	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate rules: %w", err)
	}

	return count, nil
}

// RuleIDs returns the keys of a rule map.
func RuleIDs(m *ebpf.Map) ([]uint64, error) {
	var ids []uint64
	var key uint64
	value := make([]byte, m.ValueSize())

	iter := m.Iterate()
	for iter.Next(&key, value) {
		ids = append(ids, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return ids, nil
}

// HasRule reports whether the map holds an entry for id.
func HasRule(m *ebpf.Map, id uint64) (bool, error) {
	value := make([]byte, m.ValueSize())
	err := m.Lookup(id, value)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup failed: %w", err)
	}
	return true, nil
}

// IsRoot checks if the current process has root privileges.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// HasCapability checks if the process has a specific capability.
func HasCapability(cap int) bool {
	var header unix.CapUserHeader
	var data [2]unix.CapUserData

	header.Version = unix.LINUX_CAPABILITY_VERSION_3
	header.Pid = 0 // Current process

	if err := unix.Capget(&header, &data[0]); err != nil {
		return false
	}

	// Check if capability is in effective set
	capMask := uint32(1 << uint(cap%32))
	return (data[cap/32].Effective & capMask) != 0
}

// CheckBPFRequirements checks whether BPF maps can be created.
// Returns an error message if requirements are not met, empty string otherwise.
func CheckBPFRequirements() string {
	if IsRoot() {
		return ""
	}
	if !HasCapability(unix.CAP_BPF) && !HasCapability(unix.CAP_SYS_ADMIN) {
		return "BPF tests require root, CAP_BPF or CAP_SYS_ADMIN"
	}
	return ""
}
