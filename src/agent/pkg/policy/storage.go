// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package policy

import (
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// SnapshotKey is the storage key of the persisted rule table.
const SnapshotKey = "policy-snapshot"

// persistedSnapshot is the serialized form of the rule table. NextID is
// stored so that IDs are never reused across restarts.
type persistedSnapshot struct {
	Version int    `json:"version"`
	NextID  uint64 `json:"next_id"`
	Rules   []Rule `json:"rules"`
}

// EncodeSnapshot serializes a snapshot for storage.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(persistedSnapshot{
		Version: 1,
		NextID:  s.NextID(),
		Rules:   s.Rules(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a stored snapshot.
func DecodeSnapshot(data []byte) ([]Rule, uint64, error) {
	var ps persistedSnapshot
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, 0, fmt.Errorf("failed to decode rule snapshot: %w", err)
	}
	if ps.Version != 1 {
		return nil, 0, fmt.Errorf("unsupported rule snapshot version %d", ps.Version)
	}
	return ps.Rules, ps.NextID, nil
}

// persister writes the latest snapshot in the background. Requests made
// while a save is pending collapse into that save.
type persister struct {
	store  *Store
	target SnapshotStore

	kick chan struct{}
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	mu   sync.Mutex // serializes saves
}

func newPersister(store *Store, target SnapshotStore) *persister {
	p := &persister{
		store:  store,
		target: target,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *persister) schedule() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *persister) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.kick:
			if err := p.save(); err != nil {
				// Continue even if persistence fails
				log.Warnf("Failed to persist rule snapshot: %v", err)
			}
		case <-p.done:
			return
		}
	}
}

func (p *persister) save() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.store.Snapshot()
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := p.target.Save(SnapshotKey, data); err != nil {
		return fmt.Errorf("failed to save rule snapshot: %w", err)
	}
	log.Debugf("Rule snapshot persisted: rules=%d next_id=%d", snap.Len(), snap.NextID())
	return nil
}

// close stops the loop and writes a final snapshot if one was pending.
// Later calls do nothing.
func (p *persister) close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
		select {
		case <-p.kick:
			err = p.save()
		default:
		}
	})
	return err
}
