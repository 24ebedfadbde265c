// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package audit

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// openTestPipeline opens a pipeline whose ticker never fires during a test,
// so flushes happen only on batch size, Flush or Close.
func openTestPipeline(t *testing.T, dir string, mutate func(*Config)) (*Pipeline, *syncBuffer) {
	t.Helper()
	mirror := &syncBuffer{}
	cfg := DefaultConfig(dir)
	cfg.Key = testKey
	cfg.FlushInterval = time.Hour
	cfg.Mirror = NewWriterMirror(mirror)
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, mirror
}

func testEvent(msg string) Event {
	return NewEvent(EventPolicyChange, policy.AuditNormal, msg)
}

func queryAll(t *testing.T, p *Pipeline) []Event {
	t.Helper()
	events, err := p.Query(context.Background(), time.Time{}, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	return events
}

func TestOpen_RequiresKey(t *testing.T) {
	_, err := Open(Config{Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestPipeline_RecordAndFlush(t *testing.T) {
	p, _ := openTestPipeline(t, t.TempDir(), nil)
	assert.Equal(t, StateEmpty, p.State())

	for i := 0; i < 3; i++ {
		p.Record(testEvent(fmt.Sprintf("event %d", i)))
	}
	assert.Equal(t, 3, p.Pending())
	assert.Equal(t, StateFilling, p.State())
	assert.Zero(t, p.Written())

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 0, p.Pending())
	assert.Equal(t, uint64(3), p.Written())
	assert.Equal(t, StateEmpty, p.State())

	events := queryAll(t, p)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.Equal(t, fmt.Sprintf("event %d", i), ev.Message)
		assert.NotEmpty(t, ev.ID)
		assert.Len(t, ev.Hash, 64)
	}
	assert.Equal(t, genesisHash, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
}

func TestPipeline_BatchSizeTriggersFlush(t *testing.T) {
	p, _ := openTestPipeline(t, t.TempDir(), func(c *Config) { c.BatchSize = 5 })

	for i := 0; i < 5; i++ {
		p.Record(testEvent("batch"))
	}
	assert.Eventually(t, func() bool { return p.Written() == 5 }, 2*time.Second, 10*time.Millisecond)
}

func TestPipeline_FlushIntervalTriggersFlush(t *testing.T) {
	p, _ := openTestPipeline(t, t.TempDir(), func(c *Config) { c.FlushInterval = 20 * time.Millisecond })

	p.Record(testEvent("tick"))
	assert.Eventually(t, func() bool { return p.Written() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPipeline_PreservesOrderAcrossBatches(t *testing.T) {
	p, _ := openTestPipeline(t, t.TempDir(), func(c *Config) { c.BatchSize = 1000 })

	const n = 250
	for i := 0; i < n; i++ {
		p.Record(testEvent(fmt.Sprintf("%03d", i)))
	}
	require.NoError(t, p.Flush(context.Background()))

	events := queryAll(t, p)
	require.Len(t, events, n)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("%03d", i), ev.Message)
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestPipeline_ConcurrentRecord(t *testing.T) {
	p, _ := openTestPipeline(t, t.TempDir(), func(c *Config) { c.BatchSize = 16 })

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p.Record(testEvent("concurrent"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, uint64(400), p.Written())

	report, err := Verify(p.Dir(), testKey)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Breaks)
	assert.Equal(t, uint64(400), report.Records)
}

func TestPipeline_RotatesBySize(t *testing.T) {
	dir := t.TempDir()
	p, _ := openTestPipeline(t, dir, func(c *Config) { c.MaxSegmentBytes = 1024 })

	for i := 0; i < 30; i++ {
		p.Record(testEvent(fmt.Sprintf("rotation %d", i)))
	}
	require.NoError(t, p.Flush(context.Background()))

	segments, err := listSegments(dir)
	require.NoError(t, err)
	require.Greater(t, len(segments), 1)
	for i, seg := range segments {
		assert.Equal(t, segments[0].day, seg.day)
		assert.Equal(t, i, seg.index)
	}

	report, err := Verify(dir, testKey)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Breaks)
	assert.Equal(t, uint64(30), report.Records)
	assert.Equal(t, len(segments), report.Segments)
}

func TestPipeline_RotatesByDay(t *testing.T) {
	dir := t.TempDir()
	p, _ := openTestPipeline(t, dir, nil)

	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)
	for _, ts := range []time.Time{day1, day1, day2, day1} {
		ev := testEvent("day")
		ev.Timestamp = ts
		p.Record(ev)
	}
	require.NoError(t, p.Flush(context.Background()))

	segments, err := listSegments(dir)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, filepath.Join(dir, "audit-2026-03-01.000.jsonl"), segments[0].path)
	assert.Equal(t, filepath.Join(dir, "audit-2026-03-02.000.jsonl"), segments[1].path)

	// The late day1 event stays in the day2 segment.
	late, err := readSegment(segments[1].path, time.Time{}, day2.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, late, 2)
}

func TestPipeline_ResumesChainAfterReopen(t *testing.T) {
	dir := t.TempDir()
	p, _ := openTestPipeline(t, dir, nil)
	p.Record(testEvent("first"))
	p.Record(testEvent("second"))
	require.NoError(t, p.Close(context.Background()))

	p2, _ := openTestPipeline(t, dir, nil)
	p2.Record(testEvent("third"))
	require.NoError(t, p2.Close(context.Background()))

	report, err := Verify(dir, testKey)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Breaks)
	assert.Equal(t, uint64(3), report.Records)
}

func TestPipeline_CloseDrainsQueue(t *testing.T) {
	dir := t.TempDir()
	p, _ := openTestPipeline(t, dir, nil)
	for i := 0; i < 10; i++ {
		p.Record(testEvent("drain"))
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, uint64(10), p.Written())

	// Close is idempotent and later records are dropped.
	require.NoError(t, p.Close(context.Background()))
	p.Record(testEvent("late"))
	assert.Equal(t, 0, p.Pending())
	assert.ErrorIs(t, p.Flush(context.Background()), ErrClosed)

	report, err := Verify(dir, testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), report.Records)
}

func TestPipeline_RecordRacingClose(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(func() { log.StandardLogger().ReplaceHooks(make(log.LevelHooks)) })

	dir := t.TempDir()
	p, _ := openTestPipeline(t, dir, func(c *Config) { c.BatchSize = 8 })

	const writers, perWriter = 8, 200
	start := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < perWriter; i++ {
				p.Record(testEvent("racing"))
			}
		}()
	}
	close(start)
	time.Sleep(time.Millisecond)
	require.NoError(t, p.Close(context.Background()))
	wg.Wait()

	rejected := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "Audit event recorded after close, dropped" {
			rejected++
		}
	}
	// Every event is either written or rejected with a warning.
	assert.Equal(t, uint64(writers*perWriter-rejected), p.Written())
	assert.Zero(t, p.Pending())

	report, err := Verify(dir, testKey)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Breaks)
	assert.Equal(t, p.Written(), report.Records)
}

func TestPipeline_DrainTimeout(t *testing.T) {
	p, mirror := openTestPipeline(t, t.TempDir(), func(c *Config) { c.DrainTimeout = 50 * time.Millisecond })

	// Simulate a flush stuck on I/O.
	require.NoError(t, p.flush.Acquire(context.Background(), 1))
	p.Record(testEvent("stuck"))

	err := p.Close(context.Background())
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.Contains(t, mirror.String(), string(EventAuditDrainTimeout))
	assert.Contains(t, mirror.String(), `"detail_pending":"1"`)
	p.flush.Release(1)
}

func TestPipeline_MirrorsTamperEventsImmediately(t *testing.T) {
	p, mirror := openTestPipeline(t, t.TempDir(), nil)

	p.Record(testEvent("ordinary"))
	assert.Empty(t, mirror.String())

	tamper := NewEvent(EventTamperAttempt, policy.AuditCritical, "segment removed")
	p.Record(tamper)
	assert.Contains(t, mirror.String(), tamper.ID)
	assert.Equal(t, 2, p.Pending())
}

func TestPipeline_OwnsWrite(t *testing.T) {
	dir := t.TempDir()
	p, _ := openTestPipeline(t, dir, func(c *Config) { c.OwnershipGrace = 50 * time.Millisecond })

	p.Record(testEvent("own"))
	require.NoError(t, p.Flush(context.Background()))

	segments, err := listSegments(dir)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.True(t, p.OwnsWrite(segments[0].path))
	assert.False(t, p.OwnsWrite(filepath.Join(dir, "audit-2020-01-01.000.jsonl")))

	marker := filepath.Join(dir, "audit-2020-01-01.000.jsonl"+markerExt)
	p.own(marker)
	assert.True(t, p.OwnsWrite(marker))
	assert.Eventually(t, func() bool { return !p.OwnsWrite(marker) }, time.Second, 10*time.Millisecond)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateEmpty, "empty"},
		{StateFilling, "filling"},
		{StateFlushTriggered, "flush_triggered"},
		{StateDraining, "draining"},
		{State(9), "9"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
