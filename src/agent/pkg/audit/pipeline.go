// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// ErrDrainTimeout is returned by Close when the queue could not be written
// within the drain timeout.
var ErrDrainTimeout = errors.New("audit drain timed out")

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("audit pipeline closed")

// State is the queue state.
type State int32

const (
	StateEmpty State = iota
	StateFilling
	StateFlushTriggered
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFilling:
		return "filling"
	case StateFlushTriggered:
		return "flush_triggered"
	case StateDraining:
		return "draining"
	default:
		return strconv.Itoa(int(s))
	}
}

// Config configures a Pipeline.
type Config struct {
	Dir             string
	Key             []byte
	BatchSize       int
	FlushInterval   time.Duration
	MaxSegmentBytes int64
	DrainTimeout    time.Duration
	// HighWaterMark logs a warning once the queue grows past it.
	HighWaterMark int
	// OwnershipGrace is how long a file the pipeline wrote stays exempt
	// from tamper reporting.
	OwnershipGrace time.Duration
	Mirror         Mirror
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		BatchSize:       100,
		FlushInterval:   time.Second,
		MaxSegmentBytes: 16 << 20,
		DrainTimeout:    5 * time.Second,
		HighWaterMark:   10000,
		OwnershipGrace:  2 * time.Second,
	}
}

// Pipeline turns events into durable, hash-chained JSON lines. Record never
// blocks on I/O; a single goroutine writes batches.
type Pipeline struct {
	cfg Config

	qmu    sync.Mutex
	queue  []Event
	warned bool
	closed bool

	kick  chan struct{}
	flush *semaphore.Weighted
	state atomic.Int32

	// guarded by flush
	writer *segmentWriter
	chain  *chain

	ownMu  sync.Mutex
	owned  map[string]time.Time
	active string

	exportMu sync.Mutex

	written atomic.Uint64
	done    chan struct{}
	wg      sync.WaitGroup
}

// Open recovers the directory, resumes the hash chain and starts the flush loop.
func Open(cfg Config) (*Pipeline, error) {
	def := DefaultConfig(cfg.Dir)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = def.MaxSegmentBytes
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = def.HighWaterMark
	}
	if cfg.OwnershipGrace <= 0 {
		cfg.OwnershipGrace = def.OwnershipGrace
	}
	if len(cfg.Key) == 0 {
		return nil, errors.New("audit HMAC key is required")
	}
	if cfg.Mirror == nil {
		cfg.Mirror = NewWriterMirror(os.Stderr)
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	rec, err := Recover(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to recover audit log: %w", err)
	}

	p := &Pipeline{
		cfg:   cfg,
		kick:  make(chan struct{}, 1),
		flush: semaphore.NewWeighted(1),
		chain: &chain{key: cfg.Key, seq: rec.LastSequence, last: rec.LastHash},
		owned: make(map[string]time.Time),
		done:  make(chan struct{}),
	}
	p.writer = &segmentWriter{dir: cfg.Dir, maxBytes: cfg.MaxSegmentBytes, onActive: p.setActive}
	if err := p.writer.openLatest(); err != nil {
		return nil, err
	}

	p.wg.Add(1)
	go p.loop()

	log.WithFields(log.Fields{
		"dir":      cfg.Dir,
		"last_seq": rec.LastSequence,
		"batch":    cfg.BatchSize,
		"interval": cfg.FlushInterval,
	}).Info("Audit pipeline started")
	return p, nil
}

// Dir returns the audit directory.
func (p *Pipeline) Dir() string { return p.cfg.Dir }

// Record enqueues an event. It never blocks on I/O. Tamper and integrity
// events are also mirrored synchronously.
func (p *Pipeline) Record(ev Event) {
	if ev.ID == "" || ev.Timestamp.IsZero() {
		fresh := NewEvent(ev.Type, ev.Severity, ev.Message)
		if ev.ID == "" {
			ev.ID = fresh.ID
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = fresh.Timestamp
		}
	}
	ev.Timestamp = ev.Timestamp.UTC()

	if ev.Type.mirrored() {
		p.cfg.Mirror.Emit(ev)
	}
	p.qmu.Lock()
	if p.closed {
		p.qmu.Unlock()
		log.WithField("event_type", ev.Type).Warn("Audit event recorded after close, dropped")
		return
	}
	p.queue = append(p.queue, ev)
	n := len(p.queue)
	warn := n >= p.cfg.HighWaterMark && !p.warned
	if warn {
		p.warned = true
	}
	p.qmu.Unlock()

	if warn {
		log.WithField("queued", n).Warn("Audit queue above high-water mark")
	}

	p.state.CompareAndSwap(int32(StateEmpty), int32(StateFilling))
	if n >= p.cfg.BatchSize {
		p.trigger()
	}
}

// Pending returns the number of queued events.
func (p *Pipeline) Pending() int {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return len(p.queue)
}

// Written returns the number of events committed to disk.
func (p *Pipeline) Written() uint64 { return p.written.Load() }

// State returns the current queue state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) trigger() {
	p.state.CompareAndSwap(int32(StateFilling), int32(StateFlushTriggered))
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Pipeline) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.kick:
			p.tryFlush()
		case <-ticker.C:
			if p.Pending() > 0 {
				p.trigger()
				p.tryFlush()
			}
		case <-p.done:
			return
		}
	}
}

// tryFlush drains the queue unless a flush is already running, in which
// case the request is dropped and the next tick picks up the rest.
func (p *Pipeline) tryFlush() {
	if !p.flush.TryAcquire(1) {
		return
	}
	defer p.flush.Release(1)
	if err := p.drain(); err != nil {
		log.Errorf("Audit flush failed: %v", err)
	}
}

// Flush writes everything queued so far, waiting for a running flush.
func (p *Pipeline) Flush(ctx context.Context) error {
	if err := p.flush.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.flush.Release(1)
	if p.writer == nil {
		return ErrClosed
	}
	return p.drain()
}

// drain writes the queue in FIFO order with one fsync per batch. Caller
// holds the flush semaphore.
func (p *Pipeline) drain() error {
	for {
		p.state.Store(int32(StateDraining))

		p.qmu.Lock()
		batch := p.queue
		if len(batch) > p.cfg.BatchSize {
			batch = batch[:p.cfg.BatchSize:p.cfg.BatchSize]
			p.queue = p.queue[p.cfg.BatchSize:]
		} else {
			p.queue = nil
		}
		p.qmu.Unlock()

		if len(batch) == 0 {
			p.settle()
			return nil
		}

		n, err := p.writeBatch(batch)
		p.written.Add(uint64(n))
		if err != nil {
			p.requeue(batch[n:])
			p.settle()
			return err
		}
	}
}

// settle leaves Draining for Empty or Filling.
func (p *Pipeline) settle() {
	p.qmu.Lock()
	n := len(p.queue)
	if n < p.cfg.HighWaterMark {
		p.warned = false
	}
	if n == 0 {
		p.state.Store(int32(StateEmpty))
	} else {
		p.state.Store(int32(StateFilling))
	}
	p.qmu.Unlock()
}

func (p *Pipeline) requeue(events []Event) {
	if len(events) == 0 {
		return
	}
	p.qmu.Lock()
	p.queue = append(append(make([]Event, 0, len(events)+len(p.queue)), events...), p.queue...)
	p.qmu.Unlock()
}

// writeBatch seals and appends events, returning how many are durable. On
// error the unsynced tail is truncated and the chain rewound so the events
// can be retried.
func (p *Pipeline) writeBatch(batch []Event) (int, error) {
	committed := 0
	cp := p.chain.checkpoint()

	fail := func(err error) (int, error) {
		if rerr := p.writer.rollback(); rerr != nil {
			log.Errorf("Audit rollback failed: %v", rerr)
		}
		p.chain.restore(cp)
		return committed, err
	}

	for i := range batch {
		line, err := p.chain.seal(&batch[i])
		if err != nil {
			return fail(err)
		}
		if day, ok := p.writer.needsRotation(batch[i].Timestamp, len(line)); ok {
			if p.writer.f != nil {
				if err := p.writer.close(); err != nil {
					return fail(err)
				}
				// close synced everything before this event
				committed = i
				cp = checkpoint{seq: batch[i].Sequence - 1, last: batch[i].PrevHash}
			}
			if err := p.writer.openNext(day); err != nil {
				return fail(err)
			}
		}
		if err := p.writer.write(line); err != nil {
			return fail(err)
		}
	}

	if err := p.writer.sync(); err != nil {
		return fail(err)
	}
	return len(batch), nil
}

// Close stops the flush loop and drains the queue within DrainTimeout. A
// timeout is reported synchronously through the mirror.
func (p *Pipeline) Close(ctx context.Context) error {
	// Once closed is set under qmu no Record can append, so the drain
	// below sees every accepted event.
	p.qmu.Lock()
	if p.closed {
		p.qmu.Unlock()
		return nil
	}
	p.closed = true
	p.qmu.Unlock()
	close(p.done)
	p.wg.Wait()

	dctx, cancel := context.WithTimeout(ctx, p.cfg.DrainTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- p.drainAndClose(dctx) }()

	select {
	case err := <-result:
		if err == nil {
			log.WithField("written", p.Written()).Info("Audit pipeline closed")
			return nil
		}
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("failed to drain audit queue: %w", err)
		}
	case <-dctx.Done():
	}

	pending := p.Pending()
	ev := NewEvent(EventAuditDrainTimeout, policy.AuditCritical,
		fmt.Sprintf("audit queue not drained within %s", p.cfg.DrainTimeout))
	ev = ev.WithDetail("pending", strconv.Itoa(pending))
	p.cfg.Mirror.Emit(ev)
	log.WithField("pending", pending).Error("Audit drain timed out")
	return ErrDrainTimeout
}

func (p *Pipeline) drainAndClose(ctx context.Context) error {
	if err := p.flush.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.flush.Release(1)
	if p.writer == nil {
		return nil
	}
	err := p.drain()
	if cerr := p.writer.close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	p.writer = nil
	return err
}

// own marks path as written by the pipeline now.
func (p *Pipeline) own(path string) {
	p.ownMu.Lock()
	p.owned[filepath.Clean(path)] = time.Now()
	p.ownMu.Unlock()
}

func (p *Pipeline) setActive(path string) {
	p.ownMu.Lock()
	defer p.ownMu.Unlock()
	if p.active != "" {
		// a closed segment stays exempt for the grace period
		p.owned[p.active] = time.Now()
	}
	p.active = filepath.Clean(path)
	if path == "" {
		p.active = ""
	}
}

// OwnsWrite reports whether a change to path is expected from the pipeline
// itself: the active segment, or a file it touched within the grace period.
func (p *Pipeline) OwnsWrite(path string) bool {
	path = filepath.Clean(path)
	p.ownMu.Lock()
	defer p.ownMu.Unlock()
	if p.active != "" && p.active == path {
		return true
	}
	t, ok := p.owned[path]
	if !ok {
		return false
	}
	if time.Since(t) > p.cfg.OwnershipGrace {
		delete(p.owned, path)
		return false
	}
	return true
}
