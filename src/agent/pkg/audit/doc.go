// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package audit records security decisions and administrative changes as an
// append-only, hash-chained JSON Lines log.
//
// Events are queued by Record without blocking and written in batches by a
// single flush goroutine with one fsync per batch. Each line carries a
// sequence number, the previous record's hash and an HMAC-SHA256 over both,
// so Verify can detect edited, reordered or deleted records. Segments are
// partitioned by UTC day and size; Recover trims a torn tail left by a
// crash. ExportRange renders records as CEF for SIEM ingestion and notes
// exported IDs in marker files next to each segment.
package audit
