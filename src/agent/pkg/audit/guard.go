// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package audit

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// Guard watches the audit directory and records a TamperAttempt when a
// segment or marker file changes without the pipeline having written it.
type Guard struct {
	pipeline *Pipeline
	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewGuard starts watching the pipeline's directory.
func NewGuard(p *Pipeline) (*Guard, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create audit watcher: %w", err)
	}
	if err := w.Add(p.Dir()); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch audit directory: %w", err)
	}

	g := &Guard{pipeline: p, watcher: w, done: make(chan struct{})}
	g.wg.Add(1)
	go g.run()
	log.WithField("dir", p.Dir()).Info("Audit tamper guard started")
	return g, nil
}

func (g *Guard) run() {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case ev, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			g.handle(ev)
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("Audit watcher error: %v", err)
		}
	}
}

func (g *Guard) handle(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !isAuditFile(name) {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) &&
		!ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) {
		return
	}
	if g.pipeline.OwnsWrite(ev.Name) {
		return
	}

	log.WithFields(log.Fields{
		"file": name,
		"op":   ev.Op.String(),
	}).Error("Unexpected modification of audit log")

	tamper := NewEvent(EventTamperAttempt, policy.AuditCritical,
		fmt.Sprintf("audit file %s modified outside the audit pipeline", name))
	tamper = tamper.WithDetail("file", name).WithDetail("op", ev.Op.String())
	g.pipeline.Record(tamper)
}

// Close stops the guard.
func (g *Guard) Close() error {
	var err error
	g.once.Do(func() {
		close(g.done)
		err = g.watcher.Close()
		g.wg.Wait()
	})
	return err
}
