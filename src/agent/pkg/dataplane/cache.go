// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"sync"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// RuleCache is the enforcement point's copy of the rules it enforces. It
// classifies locally in push order, so the coordinator only has to keep it
// current. Zero-valued filter fields match anything.
type RuleCache struct {
	mu      sync.RWMutex
	network []NetworkRecord
	device  []DeviceRecord
	// override lifts blocking for a kind until the next Clear.
	override map[policy.Kind]bool
}

// NewRuleCache creates an empty cache.
func NewRuleCache() *RuleCache {
	return &RuleCache{override: make(map[policy.Kind]bool)}
}

// PutNetwork inserts a record or replaces the one with the same rule ID in place.
func (c *RuleCache) PutNetwork(rec NetworkRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.network {
		if c.network[i].RuleID == rec.RuleID {
			c.network[i] = rec
			return
		}
	}
	c.network = append(c.network, rec)
}

// PutDevice inserts a record or replaces the one with the same rule ID in place.
func (c *RuleCache) PutDevice(rec DeviceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.device {
		if c.device[i].RuleID == rec.RuleID {
			c.device[i] = rec
			return
		}
	}
	c.device = append(c.device, rec)
}

// Remove drops the record for rule id. It reports whether one existed.
func (c *RuleCache) Remove(kind policy.Kind, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case policy.KindNetwork:
		for i := range c.network {
			if c.network[i].RuleID == id {
				c.network = append(c.network[:i], c.network[i+1:]...)
				return true
			}
		}
	case policy.KindDevice:
		for i := range c.device {
			if c.device[i].RuleID == id {
				c.device = append(c.device[:i], c.device[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Clear drops all records of kind and ends any override.
func (c *RuleCache) Clear(kind policy.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case policy.KindNetwork:
		c.network = nil
	case policy.KindDevice:
		c.device = nil
	}
	delete(c.override, kind)
}

// Reset lets everything of kind through until the next Clear, without
// touching the stored records.
func (c *RuleCache) Reset(kind policy.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.override[kind] = true
}

// Overridden reports whether kind is currently lifted by Reset.
func (c *RuleCache) Overridden(kind policy.Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.override[kind]
}

// Len returns the number of cached records of kind.
func (c *RuleCache) Len(kind policy.Kind) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch kind {
	case policy.KindNetwork:
		return len(c.network)
	case policy.KindDevice:
		return len(c.device)
	}
	return 0
}

// ClassifyConnection returns the action for a connection. Connections
// matching no enabled record are permitted.
func (c *RuleCache) ClassifyConnection(pid uint32, proto policy.Protocol, localPort, remotePort uint16) policy.Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.override[policy.KindNetwork] {
		return policy.ActionAllow
	}
	for i := range c.network {
		r := &c.network[i]
		if r.Enabled == 0 {
			continue
		}
		if (r.ProcessID == 0 || r.ProcessID == pid) &&
			(r.Protocol == 0 || r.Protocol == uint16(proto)) &&
			(r.LocalPort == 0 || r.LocalPort == localPort) &&
			(r.RemotePort == 0 || r.RemotePort == remotePort) {
			return policy.Action(r.Action)
		}
	}
	return policy.ActionAllow
}

// CheckDeviceAccess returns the action for a device open. Devices matching
// no enabled record are denied.
func (c *RuleCache) CheckDeviceAccess(pid uint32, deviceType policy.DeviceType) policy.Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.override[policy.KindDevice] {
		return policy.ActionAllow
	}
	for i := range c.device {
		r := &c.device[i]
		if r.Enabled == 0 {
			continue
		}
		if (r.ProcessID == 0 || r.ProcessID == pid) &&
			(r.DeviceType == 0 || r.DeviceType == uint32(deviceType)) {
			return policy.Action(r.Action)
		}
	}
	return policy.ActionBlock
}
