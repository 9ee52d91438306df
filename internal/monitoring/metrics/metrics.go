// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides performance monitoring for the transaction
// engine and the durability pipeline.
//
// Counters are plain atomics bumped on the hot path; Snapshot copies
// them out for reporting. There is no sampling or aggregation layer:
// callers that want rates diff two snapshots.
//
// # Key Features
//
//   - Commit, abort, read, write, and install counters
//   - Log volume tracking (records and bytes handed to writers)
//   - Durable-acknowledgment wait accounting
//   - Lock-free recording, safe from any goroutine
//
// # Usage Examples
//
//	m := metrics.New()
//	m.RecordCommit()
//	m.RecordDurableWait(time.Since(start))
//
//	s := m.Snapshot()
//	fmt.Printf("commits=%d aborts=%d\n", s.Commits, s.Aborts)
//
// # Performance Characteristics
//
// Recording is a single atomic add. Snapshot performs one load per
// counter and never blocks recorders.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics aggregates engine and pipeline counters.
type Metrics struct {
	commits  atomic.Uint64
	aborts   atomic.Uint64
	reads    atomic.Uint64
	writes   atomic.Uint64
	installs atomic.Uint64

	logBytes     atomic.Uint64
	logRecords   atomic.Uint64
	epochsSynced atomic.Uint64

	durableWaits  atomic.Uint64
	durableWaitNs atomic.Uint64
}

// New creates a zeroed metrics set.
func New() *Metrics {
	return &Metrics{}
}

// RecordCommit counts a committed transaction.
func (m *Metrics) RecordCommit() { m.commits.Add(1) }

// RecordAbort counts an aborted attempt.
func (m *Metrics) RecordAbort() { m.aborts.Add(1) }

// RecordRead counts a tracked transactional read.
func (m *Metrics) RecordRead() { m.reads.Add(1) }

// RecordWrite counts a buffered transactional write.
func (m *Metrics) RecordWrite() { m.writes.Add(1) }

// RecordInstall counts an installed write item.
func (m *Metrics) RecordInstall() { m.installs.Add(1) }

// RecordLogBytes counts bytes handed to the log writers.
func (m *Metrics) RecordLogBytes(n int) { m.logBytes.Add(uint64(n)) }

// RecordLogRecord counts one appended commit record.
func (m *Metrics) RecordLogRecord() { m.logRecords.Add(1) }

// RecordEpochSynced counts an advance of the system sync epoch.
func (m *Metrics) RecordEpochSynced() { m.epochsSynced.Add(1) }

// RecordDurableWait counts one durable acknowledgment wait.
func (m *Metrics) RecordDurableWait(d time.Duration) {
	m.durableWaits.Add(1)
	m.durableWaitNs.Add(uint64(d.Nanoseconds()))
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Commits  uint64
	Aborts   uint64
	Reads    uint64
	Writes   uint64
	Installs uint64

	LogBytes     uint64
	LogRecords   uint64
	EpochsSynced uint64

	DurableWaits     uint64
	DurableWaitTotal time.Duration
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Commits:          m.commits.Load(),
		Aborts:           m.aborts.Load(),
		Reads:            m.reads.Load(),
		Writes:           m.writes.Load(),
		Installs:         m.installs.Load(),
		LogBytes:         m.logBytes.Load(),
		LogRecords:       m.logRecords.Load(),
		EpochsSynced:     m.epochsSynced.Load(),
		DurableWaits:     m.durableWaits.Load(),
		DurableWaitTotal: time.Duration(m.durableWaitNs.Load()),
	}
}
