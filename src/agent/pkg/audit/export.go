// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

const (
	cefVendor  = "SecureHost"
	cefProduct = "SecureHost Agent"
	cefVersion = "1.0"
)

// ExportRange flushes queued events and renders every record with a
// timestamp in [start, end] as CEF, one event per line. The IDs of exported
// records are appended to the segment's marker file.
func (p *Pipeline) ExportRange(ctx context.Context, start, end time.Time) ([]byte, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("invalid export range: end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if err := p.Flush(ctx); err != nil && !errors.Is(err, ErrClosed) {
		return nil, fmt.Errorf("failed to flush before export: %w", err)
	}

	p.exportMu.Lock()
	defer p.exportMu.Unlock()

	segments, err := segmentsInRange(p.cfg.Dir, start, end)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	now := time.Now().UTC()
	total := 0
	for _, seg := range segments {
		events, err := readSegment(seg.path, start, end)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			continue
		}
		marked, err := readMarker(seg.path + markerExt)
		if err != nil {
			return nil, err
		}

		var fresh []string
		for i := range events {
			buf.WriteString(FormatCEF(&events[i]))
			buf.WriteByte('\n')
			if _, ok := marked[events[i].ID]; !ok {
				fresh = append(fresh, events[i].ID)
			}
		}
		total += len(events)
		if err := p.appendMarker(seg.path+markerExt, fresh, now); err != nil {
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"start":  start.UTC().Format(time.RFC3339),
		"end":    end.UTC().Format(time.RFC3339),
		"events": total,
	}).Info("Exported audit events")
	return buf.Bytes(), nil
}

// Query returns the records with a timestamp in [start, end] in write
// order, with Exported filled in from the marker files.
func (p *Pipeline) Query(ctx context.Context, start, end time.Time) ([]Event, error) {
	if err := p.Flush(ctx); err != nil && !errors.Is(err, ErrClosed) {
		return nil, fmt.Errorf("failed to flush before query: %w", err)
	}

	p.exportMu.Lock()
	defer p.exportMu.Unlock()

	segments, err := segmentsInRange(p.cfg.Dir, start, end)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, seg := range segments {
		events, err := readSegment(seg.path, start, end)
		if err != nil {
			return nil, err
		}
		marked, err := readMarker(seg.path + markerExt)
		if err != nil {
			return nil, err
		}
		for i := range events {
			if at, ok := marked[events[i].ID]; ok {
				at := at
				events[i].Exported = true
				events[i].ExportedAt = &at
			}
		}
		out = append(out, events...)
	}
	return out, nil
}

// segmentsInRange returns segments that may hold records stamped within
// [start, end]. A record is never written to a segment dated before its
// timestamp, but a late flush can put it in the next day's segment.
func segmentsInRange(dir string, start, end time.Time) ([]segmentFile, error) {
	all, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	first := start.UTC().Format(dayLayout)
	last := end.UTC().AddDate(0, 0, 1).Format(dayLayout)
	var out []segmentFile
	for _, seg := range all {
		if seg.day >= first && seg.day <= last {
			out = append(out, seg)
		}
	}
	return out, nil
}

func readSegment(path string, start, end time.Time) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			// Verify reports these.
			continue
		}
		if ev.Timestamp.Before(start) || ev.Timestamp.After(end) {
			continue
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read segment: %w", err)
	}
	return out, nil
}

// Marker files hold one "<event id> <RFC3339 time>" line per exported record.
func readMarker(path string) (map[string]time.Time, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]time.Time{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read export marker: %w", err)
	}
	out := make(map[string]time.Time)
	for _, line := range strings.Split(string(data), "\n") {
		id, stamp, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			continue
		}
		if _, seen := out[id]; !seen {
			out[id] = t
		}
	}
	return out, nil
}

func (p *Pipeline) appendMarker(path string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	var b strings.Builder
	stamp := at.Format(time.RFC3339)
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte(' ')
		b.WriteString(stamp)
		b.WriteByte('\n')
	}

	p.own(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open export marker: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write export marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync export marker: %w", err)
	}
	p.own(path)
	return f.Close()
}

// CEFSeverity maps an audit level onto the 0-10 CEF scale.
func CEFSeverity(l policy.AuditLevel) int {
	switch l {
	case policy.AuditNone:
		return 0
	case policy.AuditLow:
		return 3
	case policy.AuditNormal:
		return 5
	case policy.AuditHigh:
		return 8
	case policy.AuditCritical:
		return 10
	default:
		return 5
	}
}

// FormatCEF renders one event as a CEF line without the trailing newline.
func FormatCEF(ev *Event) string {
	var b strings.Builder
	b.WriteString("CEF:0|")
	for _, field := range []string{cefVendor, cefProduct, cefVersion, string(ev.Type), string(ev.Type)} {
		b.WriteString(escapeCEFHeader(field))
		b.WriteByte('|')
	}
	b.WriteString(strconv.Itoa(CEFSeverity(ev.Severity)))
	b.WriteByte('|')

	ext := []struct{ k, v string }{
		{"rt", strconv.FormatInt(ev.Timestamp.UnixMilli(), 10)},
		{"externalId", ev.ID},
		{"cn1Label", "seq"},
		{"cn1", strconv.FormatUint(ev.Sequence, 10)},
	}
	if ev.ProcessID != 0 {
		ext = append(ext, struct{ k, v string }{"spid", strconv.FormatUint(uint64(ev.ProcessID), 10)})
	}
	if ev.ProcessName != "" {
		ext = append(ext, struct{ k, v string }{"sproc", ev.ProcessName})
	}
	if ev.UserSID != "" {
		ext = append(ext, struct{ k, v string }{"suser", ev.UserSID})
	}
	if ev.Action != "" {
		ext = append(ext, struct{ k, v string }{"act", ev.Action})
	}
	if ev.MatchedRuleID != nil {
		ext = append(ext,
			struct{ k, v string }{"cs1Label", "ruleId"},
			struct{ k, v string }{"cs1", strconv.FormatUint(*ev.MatchedRuleID, 10)})
	}
	keys := make([]string, 0, len(ev.Details))
	for k := range ev.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ext = append(ext, struct{ k, v string }{cefKey(k), ev.Details[k]})
	}
	if ev.Message != "" {
		ext = append(ext, struct{ k, v string }{"msg", ev.Message})
	}

	for i, kv := range ext {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(kv.k)
		b.WriteByte('=')
		b.WriteString(escapeCEFValue(kv.v))
	}
	return b.String()
}

var (
	cefHeaderEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`, "\n", " ", "\r", " ")
	cefValueEscaper  = strings.NewReplacer(`\`, `\\`, `|`, `\|`, `=`, `\=`, "\r\n", `\n`, "\n", `\n`, "\r", `\r`)
)

func escapeCEFHeader(s string) string { return cefHeaderEscaper.Replace(s) }

func escapeCEFValue(s string) string { return cefValueEscaper.Replace(s) }

// cefKey keeps only characters allowed in extension keys.
func cefKey(k string) string {
	var b strings.Builder
	for _, r := range k {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "detail"
	}
	return b.String()
}
