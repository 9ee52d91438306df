// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/kianostad/stm/internal/concurrency/epoch"
	"github.com/kianostad/stm/internal/monitoring/metrics"
)

// LogEntry is one key/value pair of a commit's log record.
type LogEntry struct {
	Key []byte
	Val []byte
}

// CommitLog is the durability hook the engine drives at commit time.
// The persist package provides the production implementation.
type CommitLog interface {
	// Append emits one commit record into the worker's current buffer.
	Append(worker int, tid uint64, writes []LogEntry)

	// WaitDurable blocks until the system sync epoch reaches e.
	WaitDurable(e uint64)
}

// Engine issues transactions, assigns commit TIDs, and coordinates the
// epoch machinery. One Engine serves any number of goroutines; durable
// deployments give each worker goroutine its own Worker handle so log
// records land in per-worker buffers.
type Engine struct {
	seq     atomic.Uint64
	epochs  *epoch.Manager
	log     CommitLog
	metrics *metrics.Metrics
}

// NewEngine creates an engine. A nil log means volatile mode: commits
// are acknowledged as soon as they install.
func NewEngine(log CommitLog) *Engine {
	return NewEngineMetrics(log, nil)
}

// NewEngineMetrics creates an engine recording into a caller-owned
// metrics set, so the engine and the pipeline can share counters.
func NewEngineMetrics(log CommitLog, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		epochs:  epoch.NewManager(),
		log:     log,
		metrics: m,
	}
}

// AttachLog wires the durability hook after construction. Must be
// called before Start; the pipeline needs the engine's epoch manager
// while the engine needs the log, so one of them attaches late.
func (e *Engine) AttachLog(log CommitLog) { e.log = log }

// Start launches the epoch advancer.
func (e *Engine) Start() {
	e.epochs.Start()
}

// Stop halts the epoch advancer. In-flight transactions must have
// drained before Stop is called.
func (e *Engine) Stop() {
	e.epochs.Stop()
}

// Epochs exposes the epoch manager for collectors and tests.
func (e *Engine) Epochs() *epoch.Manager { return e.epochs }

// Metrics exposes the engine counters.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// currentTID is the newest TID the engine could have issued.
func (e *Engine) currentTID() uint64 {
	return MakeTID(e.epochs.Global(), e.seq.Load())
}

// Worker is a per-goroutine handle binding transactions to a worker id
// for log-buffer ownership. Two goroutines must not share a Worker
// concurrently when a log is attached.
type Worker struct {
	e  *Engine
	id int
}

// Worker returns the handle for worker id.
func (e *Engine) Worker(id int) Worker {
	return Worker{e: e, id: id}
}

// Atomically runs fn as a transaction on worker 0.
func (e *Engine) Atomically(fn func(*Txn) error) error {
	return e.Worker(0).Atomically(fn)
}

// Atomically runs fn as a transaction, retrying transparently on
// conflict aborts until it commits. Errors other than ErrAbort abort
// the transaction and propagate to the caller. In durable mode the
// call does not return until the commit's epoch is on stable storage.
func (w Worker) Atomically(fn func(*Txn) error) error {
	e := w.e
	t := &Txn{
		engine: e,
		worker: w.id,
		index:  make(map[itemKey]int),
	}
	for {
		start := e.currentTID()
		t.reset(start)
		e.epochs.Register(start)

		err := fn(t)
		if err == nil && !t.aborted {
			if e.tryCommit(t) {
				e.epochs.Unregister(start)
				e.metrics.RecordCommit()
				if e.log != nil {
					w.e.log.WaitDurable(EpochID(t.commitTID))
				}
				return nil
			}
			e.epochs.Unregister(start)
			e.metrics.RecordAbort()
			runtime.Gosched()
			continue
		}

		e.unwind(t)
		e.epochs.Unregister(start)
		e.metrics.RecordAbort()
		if err == nil || errors.Is(err, ErrAbort) {
			runtime.Gosched()
			continue
		}
		return err
	}
}
