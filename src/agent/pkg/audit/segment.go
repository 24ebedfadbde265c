// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

const (
	dayLayout    = "2006-01-02"
	maxLineBytes = 1 << 20
	markerExt    = ".exported"
)

// Segment files are named audit-<UTC date>.<index>.jsonl. Ordering by
// (date, index) is the write order.
var segmentPattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})\.(\d{3,})\.jsonl$`)

type segmentFile struct {
	path  string
	day   string
	index int
}

func segmentName(day string, index int) string {
	return fmt.Sprintf("audit-%s.%03d.jsonl", day, index)
}

func parseSegmentName(name string) (day string, index int, ok bool) {
	m := segmentPattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

func isAuditFile(name string) bool {
	if _, _, ok := parseSegmentName(name); ok {
		return true
	}
	if len(name) > len(markerExt) && name[len(name)-len(markerExt):] == markerExt {
		_, _, ok := parseSegmentName(name[:len(name)-len(markerExt)])
		return ok
	}
	return false
}

// listSegments returns the segments in dir in write order.
func listSegments(dir string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit directory: %w", err)
	}
	var out []segmentFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		day, idx, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		out = append(out, segmentFile{path: filepath.Join(dir, e.Name()), day: day, index: idx})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].day != out[j].day {
			return out[i].day < out[j].day
		}
		return out[i].index < out[j].index
	})
	return out, nil
}

// segmentWriter appends lines to the current segment. It is only used by
// the goroutine holding the flush semaphore.
type segmentWriter struct {
	dir      string
	maxBytes int64

	f     *os.File
	path  string
	day   string
	index int
	size  int64
	// synced is the size of the file at the last successful fsync.
	synced int64

	// onActive is told the active segment path, or "" after close.
	onActive func(path string)
}

// openLatest reopens the newest segment for append, if any.
func (w *segmentWriter) openLatest() error {
	segments, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}
	last := segments[len(segments)-1]
	return w.open(last.day, last.index)
}

func (w *segmentWriter) open(day string, index int) error {
	path := filepath.Join(w.dir, segmentName(day, index))
	if w.onActive != nil {
		w.onActive(path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit segment: %w", err)
	}
	w.f, w.path, w.day, w.index = f, path, day, index
	w.size, w.synced = info.Size(), info.Size()
	return nil
}

// needsRotation reports whether a line of n bytes for an event stamped at
// ts must go to a new segment, and the day of that segment. Segments
// rotate on a new UTC day or when full; a record never goes back to an
// older day's segment.
func (w *segmentWriter) needsRotation(ts time.Time, n int) (string, bool) {
	day := ts.UTC().Format(dayLayout)
	switch {
	case w.f == nil:
		if day < w.day {
			day = w.day
		}
		return day, true
	case day > w.day:
		return day, true
	case w.size > 0 && w.size+int64(n) > w.maxBytes:
		return w.day, true
	}
	return "", false
}

// openNext opens the first unused segment name for day after the current one.
func (w *segmentWriter) openNext(day string) error {
	index := 0
	if day == w.day {
		index = w.index + 1
	}
	for {
		if _, err := os.Stat(filepath.Join(w.dir, segmentName(day, index))); os.IsNotExist(err) {
			break
		}
		index++
	}
	return w.open(day, index)
}

func (w *segmentWriter) write(line []byte) error {
	n, err := w.f.Write(line)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (w *segmentWriter) sync() error {
	if w.f == nil {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit segment: %w", err)
	}
	w.synced = w.size
	return nil
}

// rollback drops bytes written since the last sync.
func (w *segmentWriter) rollback() error {
	if w.f == nil || w.size == w.synced {
		return nil
	}
	if err := w.f.Truncate(w.synced); err != nil {
		return fmt.Errorf("failed to truncate audit segment: %w", err)
	}
	w.size = w.synced
	return nil
}

// close syncs and closes the segment. Unsynced bytes are dropped if the
// sync fails.
func (w *segmentWriter) close() error {
	if w.f == nil {
		return nil
	}
	err := w.sync()
	if err != nil {
		if rerr := w.rollback(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	if cerr := w.f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close audit segment: %w", cerr)
	}
	w.f = nil
	if w.onActive != nil {
		w.onActive("")
	}
	return err
}
