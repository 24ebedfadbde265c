// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package policy

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the rule table. Rules inside a snapshot
// must not be modified; Store hands out clones.
type Snapshot struct {
	rules   map[uint64]*Rule
	byKind  map[Kind][]*Rule
	nextID  uint64
	version uint64
}

// Len returns the number of rules in the snapshot.
func (s *Snapshot) Len() int { return len(s.rules) }

// NextID returns the ID the next added rule will receive.
func (s *Snapshot) NextID() uint64 { return s.nextID }

// Version increases on every published change.
func (s *Snapshot) Version() uint64 { return s.version }

// Ordered returns the rules of one kind in evaluation order: priority
// descending, then ID ascending. The returned slice is shared.
func (s *Snapshot) Ordered(kind Kind) []*Rule { return s.byKind[kind] }

// Rules returns clones of every rule ordered by ID.
func (s *Snapshot) Rules() []Rule {
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Store is the in-memory rule table. Reads are lock-free against an
// atomically published Snapshot; writers serialize on mu and publish a new
// snapshot built by copy-on-write.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	now     func() time.Time
}

// NewStore creates an empty store whose first rule gets ID 1.
func NewStore() *Store {
	s := &Store{now: time.Now}
	s.current.Store(&Snapshot{
		rules:  map[uint64]*Rule{},
		byKind: map[Kind][]*Rule{},
		nextID: 1,
	})
	return s
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Add validates and inserts a rule, returning its assigned ID.
func (s *Store) Add(rule Rule) (uint64, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}
	c, err := compile(&rule)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	if old.nextID == math.MaxUint64 {
		return 0, ErrIDExhausted
	}

	stored := rule.Clone()
	stored.ID = old.nextID
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.ModifiedAt = now
	stored.compiled = c

	next := old.clone()
	next.rules[stored.ID] = &stored
	next.nextID = old.nextID + 1
	s.publish(next)
	return stored.ID, nil
}

// Get returns a copy of the rule with the given ID.
func (s *Store) Get(id uint64) (Rule, bool) {
	r, ok := s.current.Load().rules[id]
	if !ok {
		return Rule{}, false
	}
	return r.Clone(), true
}

// List returns copies of all rules ordered by ID.
func (s *Store) List() []Rule {
	return s.current.Load().Rules()
}

// Update replaces every field of an existing rule except ID and CreatedAt.
// It returns false without error when id is unknown.
func (s *Store) Update(id uint64, rule Rule) (bool, error) {
	if err := rule.Validate(); err != nil {
		return false, err
	}
	c, err := compile(&rule)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	existing, ok := old.rules[id]
	if !ok {
		return false, nil
	}

	stored := rule.Clone()
	stored.ID = id
	stored.CreatedAt = existing.CreatedAt
	stored.ModifiedAt = s.modifiedAfter(existing.ModifiedAt)
	stored.compiled = c

	next := old.clone()
	next.rules[id] = &stored
	s.publish(next)
	return true, nil
}

// SetEnabled flips the enabled flag of a rule in place of a full Update.
func (s *Store) SetEnabled(id uint64, enabled bool) (Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	existing, ok := old.rules[id]
	if !ok {
		return Rule{}, false
	}

	stored := existing.Clone()
	stored.Enabled = enabled
	stored.ModifiedAt = s.modifiedAfter(existing.ModifiedAt)

	next := old.clone()
	next.rules[id] = &stored
	s.publish(next)
	return stored.Clone(), true
}

// Remove deletes a rule. The ID is never handed out again.
func (s *Store) Remove(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	if _, ok := old.rules[id]; !ok {
		return false
	}
	next := old.clone()
	delete(next.rules, id)
	s.publish(next)
	return true
}

// Clear removes every rule. The ID counter keeps its value.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	s.publish(&Snapshot{
		rules:   map[uint64]*Rule{},
		nextID:  old.nextID,
		version: old.version,
	})
}

// Restore replaces the table with persisted rules, keeping their IDs and
// timestamps. nextID is raised above the highest restored ID if needed.
func (s *Store) Restore(rules []Rule, nextID uint64) error {
	table := make(map[uint64]*Rule, len(rules))
	for i := range rules {
		r := rules[i].Clone()
		if err := r.Validate(); err != nil {
			return err
		}
		c, err := compile(&r)
		if err != nil {
			return err
		}
		r.compiled = c
		table[r.ID] = &r
		if r.ID >= nextID {
			if r.ID == math.MaxUint64 {
				return ErrIDExhausted
			}
			nextID = r.ID + 1
		}
	}
	if nextID == 0 {
		nextID = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	s.publish(&Snapshot{rules: table, nextID: nextID, version: old.version})
	return nil
}

// modifiedAfter returns the current time, nudged forward if the clock has
// not advanced past prev.
func (s *Store) modifiedAfter(prev time.Time) time.Time {
	now := s.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

// publish rebuilds the per-kind evaluation order and swaps the pointer.
// Caller holds mu.
func (s *Store) publish(next *Snapshot) {
	next.byKind = make(map[Kind][]*Rule, 3)
	for _, r := range next.rules {
		next.byKind[r.Kind] = append(next.byKind[r.Kind], r)
	}
	for _, rs := range next.byKind {
		sort.Slice(rs, func(i, j int) bool { return evaluatesBefore(rs[i], rs[j]) })
	}
	next.version++
	s.current.Store(next)
}

func (s *Snapshot) clone() *Snapshot {
	rules := make(map[uint64]*Rule, len(s.rules)+1)
	for id, r := range s.rules {
		rules[id] = r
	}
	return &Snapshot{rules: rules, nextID: s.nextID, version: s.version}
}

// evaluatesBefore orders by priority descending, then ID ascending.
func evaluatesBefore(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}
