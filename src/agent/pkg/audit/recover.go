// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// RecoveryReport describes what Recover found.
type RecoveryReport struct {
	Segment        string
	TruncatedBytes int64
	LastSequence   uint64
	LastHash       string
}

// Recover makes the newest segment end on a complete record by truncating
// a torn tail left by a crash mid-batch, and returns the chain position of
// the last intact record. Earlier segments are never modified.
func Recover(dir string) (*RecoveryReport, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{LastHash: genesisHash}
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		newest := i == len(segments)-1

		last, truncated, err := lastIntactRecord(seg.path, newest)
		if err != nil {
			return nil, err
		}
		if newest {
			report.Segment = filepath.Base(seg.path)
			report.TruncatedBytes = truncated
		}
		if last != nil {
			report.LastSequence = last.Sequence
			report.LastHash = last.Hash
			break
		}
	}

	if report.TruncatedBytes > 0 {
		log.WithFields(log.Fields{
			"segment":   report.Segment,
			"truncated": report.TruncatedBytes,
			"last_seq":  report.LastSequence,
		}).Warn("Discarded torn audit batch")
	}
	return report, nil
}

// lastIntactRecord returns the last parseable record of a segment. When
// repair is set, trailing bytes that do not form a complete record are cut
// off the file.
func lastIntactRecord(path string, repair bool) (*Event, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read segment: %w", err)
	}

	end := len(data)
	// A record is complete only when it ends with a newline.
	if i := bytes.LastIndexByte(data, '\n'); i+1 < end {
		end = i + 1
	}

	var last *Event
	for end > 0 {
		start := bytes.LastIndexByte(data[:end-1], '\n') + 1
		var ev Event
		if err := json.Unmarshal(data[start:end-1], &ev); err == nil {
			last = &ev
			break
		}
		end = start
	}

	// Older segments are closed; an unparseable line there is a
	// verification finding, not a crash artifact.
	if !repair {
		return last, 0, nil
	}
	truncated := int64(len(data) - end)
	if truncated > 0 {
		if err := os.Truncate(path, int64(end)); err != nil {
			return nil, 0, fmt.Errorf("failed to truncate torn segment: %w", err)
		}
	}
	return last, truncated, nil
}
