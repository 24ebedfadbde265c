// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// genesisHash is the prev_hash of the first record ever written.
var genesisHash = strings.Repeat("0", sha256.Size*2)

// chain links records with HMAC-SHA256(key, prev_hash || record). The
// record bytes are the JSON line with an empty hash field, so verification
// works on the exact bytes on disk.
type chain struct {
	key  []byte
	seq  uint64
	last string
}

type checkpoint struct {
	seq  uint64
	last string
}

func newChain(key []byte) *chain {
	return &chain{key: key, last: genesisHash}
}

func (c *chain) checkpoint() checkpoint { return checkpoint{seq: c.seq, last: c.last} }

func (c *chain) restore(cp checkpoint) { c.seq, c.last = cp.seq, cp.last }

// seal assigns the next sequence number, links ev to the previous record
// and returns the serialized line including the trailing newline.
func (c *chain) seal(ev *Event) ([]byte, error) {
	ev.Sequence = c.seq + 1
	ev.PrevHash = c.last
	ev.Hash = ""

	unsigned, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit event: %w", err)
	}
	ev.Hash = c.sum(ev.PrevHash, unsigned)

	line, err := withHash(unsigned, ev.Hash)
	if err != nil {
		return nil, err
	}
	c.seq = ev.Sequence
	c.last = ev.Hash
	return append(line, '\n'), nil
}

func (c *chain) sum(prev string, unsigned []byte) string {
	h := hmac.New(sha256.New, c.key)
	h.Write([]byte(prev))
	h.Write(unsigned)
	return hex.EncodeToString(h.Sum(nil))
}

const emptyHashSuffix = `"hash":""}`

func withHash(unsigned []byte, hash string) ([]byte, error) {
	if !bytes.HasSuffix(unsigned, []byte(emptyHashSuffix)) {
		return nil, errors.New("audit event encoding does not end with hash field")
	}
	out := make([]byte, 0, len(unsigned)+len(hash))
	out = append(out, unsigned[:len(unsigned)-2]...)
	out = append(out, hash...)
	out = append(out, `"}`...)
	return out, nil
}

// unsignedForm rebuilds the bytes that were hashed from a stored line.
func unsignedForm(line []byte, hash string) ([]byte, bool) {
	suffix := `"hash":"` + hash + `"}`
	if !bytes.HasSuffix(line, []byte(suffix)) {
		return nil, false
	}
	out := make([]byte, 0, len(line))
	out = append(out, line[:len(line)-len(suffix)]...)
	out = append(out, emptyHashSuffix...)
	return out, true
}

// Break describes one verification failure.
type Break struct {
	Segment string `json:"segment"`
	Line    int    `json:"line"`
	Reason  string `json:"reason"`
}

// Report is the result of Verify.
type Report struct {
	Segments int     `json:"segments"`
	Records  uint64  `json:"records"`
	Breaks   []Break `json:"breaks,omitempty"`
}

// OK reports whether the whole log verified.
func (r *Report) OK() bool { return len(r.Breaks) == 0 }

// Verify walks every segment in dir in order and checks sequence numbers,
// hash links and record MACs.
func Verify(dir string, key []byte) (*Report, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	c := newChain(key)
	report := &Report{Segments: len(segments)}
	for _, seg := range segments {
		if err := verifySegment(seg, c, report); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func verifySegment(seg segmentFile, c *chain, report *Report) error {
	f, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("failed to open segment: %w", err)
	}
	defer f.Close()

	name := filepath.Base(seg.path)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		fail := func(format string, args ...interface{}) {
			report.Breaks = append(report.Breaks, Break{Segment: name, Line: lineNo, Reason: fmt.Sprintf(format, args...)})
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			fail("unparseable record: %v", err)
			continue
		}
		report.Records++

		if ev.Sequence != c.seq+1 {
			fail("sequence %d, expected %d", ev.Sequence, c.seq+1)
		}
		if ev.PrevHash != c.last {
			fail("prev_hash does not link to previous record")
		}
		unsigned, ok := unsignedForm(line, ev.Hash)
		if !ok {
			fail("malformed hash field")
		} else if !hmac.Equal([]byte(ev.Hash), []byte(c.sum(ev.PrevHash, unsigned))) {
			fail("record MAC mismatch")
		}

		// Continue from the record as written so one edit is reported once.
		c.seq = ev.Sequence
		c.last = ev.Hash
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read segment %s: %w", name, err)
	}
	return nil
}
