// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/securestore"
)

// Manager coordinates rule mutations: it updates the Store, pushes the
// change to the enforcement points, audits it and schedules persistence.
// Mutations are serialized so enforcement points see them in order.
type Manager struct {
	mu        sync.Mutex
	store     *Store
	enforcer  Enforcer
	auditor   Auditor
	snapshots SnapshotStore
	persister *persister
	started   time.Time
}

// NewManager creates a manager. enforcer, auditor and snapshots may be nil.
func NewManager(store *Store, enforcer Enforcer, auditor Auditor, snapshots SnapshotStore) *Manager {
	if enforcer == nil {
		enforcer = NopEnforcer{}
	}
	if auditor == nil {
		auditor = NopAuditor{}
	}
	m := &Manager{
		store:     store,
		enforcer:  enforcer,
		auditor:   auditor,
		snapshots: snapshots,
		started:   time.Now(),
	}
	if snapshots != nil {
		m.persister = newPersister(store, snapshots)
	}
	return m
}

// Store returns the underlying rule store.
func (m *Manager) Store() *Store { return m.store }

// LoadPersisted restores the rule table from secure storage. A missing
// snapshot is not an error. On an integrity violation the store is left
// empty, the event is audited and the error is returned; the stored blob
// is left untouched until the next administrative change.
func (m *Manager) LoadPersisted(ctx context.Context) error {
	if m.snapshots == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.snapshots.Load(SnapshotKey)
	switch {
	case errors.Is(err, securestore.ErrNotFound):
		log.Info("No persisted rule snapshot, starting with an empty rule set")
		return nil
	case errors.Is(err, securestore.ErrIntegrityViolation):
		log.WithFields(log.Fields{
			"severity": "critical",
			"key":      SnapshotKey,
		}).Errorf("Rule snapshot failed integrity check, refusing to load it: %v", err)
		m.auditor.AuditIntegrityViolation(ctx, SnapshotKey, err)
		return fmt.Errorf("failed to load rule snapshot: %w", err)
	case err != nil:
		return fmt.Errorf("failed to load rule snapshot: %w", err)
	}

	rules, nextID, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}
	if err := m.store.Restore(rules, nextID); err != nil {
		return fmt.Errorf("failed to restore rules: %w", err)
	}

	log.Infof("Loaded %d rules from storage (next id %d)", len(rules), m.store.Snapshot().NextID())
	m.auditor.AuditPolicyChange(ctx, Change{Op: ChangeRestore})
	m.push(func() error { return m.enforcer.SyncAll(ctx, m.evaluationOrder()) })
	return nil
}

// AddRule validates and stores a new rule and returns the stored copy.
func (m *Manager) AddRule(ctx context.Context, r Rule) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.store.Add(r)
	if err != nil {
		return Rule{}, err
	}
	stored, _ := m.store.Get(id)

	log.WithFields(log.Fields{
		"rule_id":  id,
		"kind":     stored.Kind,
		"action":   stored.Action,
		"priority": stored.Priority,
	}).Info("Rule added")

	if m.isLastInOrder(stored) {
		m.push(func() error { return m.enforcer.Sync(ctx, stored) })
	} else {
		m.push(func() error { return m.enforcer.SyncAll(ctx, m.evaluationOrder()) })
	}
	m.auditor.AuditPolicyChange(ctx, Change{Op: ChangeAdd, RuleID: id, Rule: &stored})
	m.persist()
	return stored, nil
}

// GetRule returns a copy of one rule.
func (m *Manager) GetRule(id uint64) (Rule, bool) {
	return m.store.Get(id)
}

// ListRules returns copies of all rules ordered by ID.
func (m *Manager) ListRules() []Rule {
	return m.store.List()
}

// UpdateRule replaces a rule. It returns false when id is unknown.
func (m *Manager) UpdateRule(ctx context.Context, id uint64, r Rule) (Rule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before, ok := m.store.Get(id)
	if !ok {
		return Rule{}, false, nil
	}
	ok, err := m.store.Update(id, r)
	if err != nil || !ok {
		return Rule{}, ok, err
	}
	stored, _ := m.store.Get(id)

	log.WithFields(log.Fields{
		"rule_id":  id,
		"kind":     stored.Kind,
		"action":   stored.Action,
		"priority": stored.Priority,
		"enabled":  stored.Enabled,
	}).Info("Rule updated")

	if before.Kind != stored.Kind || before.Priority != stored.Priority {
		m.push(func() error { return m.enforcer.SyncAll(ctx, m.evaluationOrder()) })
	} else {
		m.push(func() error { return m.enforcer.Sync(ctx, stored) })
	}
	m.auditor.AuditPolicyChange(ctx, Change{Op: ChangeUpdate, RuleID: id, Rule: &stored})
	m.persist()
	return stored, true, nil
}

// DeleteRule removes a rule. It returns false when id is unknown.
func (m *Manager) DeleteRule(ctx context.Context, id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.store.Get(id)
	if !ok || !m.store.Remove(id) {
		return false
	}

	log.WithField("rule_id", id).Info("Rule deleted")

	m.push(func() error { return m.enforcer.Remove(ctx, existing) })
	m.auditor.AuditPolicyChange(ctx, Change{Op: ChangeDelete, RuleID: id, Rule: &existing})
	m.persist()
	return true
}

// ToggleRule flips the enabled flag and returns the updated rule.
func (m *Manager) ToggleRule(ctx context.Context, id uint64) (Rule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.store.Get(id)
	if !ok {
		return Rule{}, false
	}
	stored, ok := m.store.SetEnabled(id, !existing.Enabled)
	if !ok {
		return Rule{}, false
	}

	log.WithFields(log.Fields{
		"rule_id": id,
		"enabled": stored.Enabled,
	}).Info("Rule toggled")

	m.push(func() error { return m.enforcer.Sync(ctx, stored) })
	m.auditor.AuditPolicyChange(ctx, Change{Op: ChangeToggle, RuleID: id, Rule: &stored})
	m.persist()
	return stored, true
}

// ResetEnforcement asks every enforcement point to stop blocking. Stored
// rules are untouched and keep being synced, but blocking stays suspended
// until a point restarts or the agent does. It is not a policy change.
func (m *Manager) ResetEnforcement(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.enforcer.Reset(ctx)
	if err != nil {
		log.Warnf("Enforcement reset incomplete: %v", err)
	} else {
		log.Warn("Enforcement points reset, all blocking suspended until restart")
	}
	m.auditor.AuditPolicyChange(ctx, Change{Op: ChangeReset, Error: err})
	return err
}

// Resync pushes the full rule set to every enforcement point.
func (m *Manager) Resync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enforcer.SyncAll(ctx, m.evaluationOrder())
}

// Status summarizes the rule set.
func (m *Manager) Status() Status {
	snap := m.store.Snapshot()
	now := time.Now()
	active := 0
	for _, kind := range []Kind{KindNetwork, KindDevice, KindApplication} {
		for _, r := range snap.Ordered(kind) {
			if IsActive(r, now) {
				active++
			}
		}
	}
	return Status{
		RulesCount:  snap.Len(),
		ActiveRules: active,
		Uptime:      time.Since(m.started),
	}
}

// Close stops background persistence after writing any pending snapshot.
func (m *Manager) Close() error {
	if m.persister == nil {
		return nil
	}
	return m.persister.close()
}

// evaluationOrder lists every rule grouped by kind in evaluation order.
func (m *Manager) evaluationOrder() []Rule {
	snap := m.store.Snapshot()
	out := make([]Rule, 0, snap.Len())
	for _, kind := range []Kind{KindNetwork, KindDevice, KindApplication} {
		for _, r := range snap.Ordered(kind) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// isLastInOrder reports whether r evaluates after every other rule of its
// kind, in which case appending it to the point's cache keeps the order.
func (m *Manager) isLastInOrder(r Rule) bool {
	ordered := m.store.Snapshot().Ordered(r.Kind)
	return len(ordered) > 0 && ordered[len(ordered)-1].ID == r.ID
}

// push runs an enforcement call. Failures leave the agent in degraded mode
// and are reported by the synchronizer, so they are only logged here.
func (m *Manager) push(fn func() error) {
	if err := fn(); err != nil {
		log.Debugf("Enforcement push deferred: %v", err)
	}
}

func (m *Manager) persist() {
	if m.persister != nil {
		m.persister.schedule()
	}
}
