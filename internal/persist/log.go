// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package persist implements the group-commit durability pipeline: per
// worker log buffers, writer goroutines batching buffers into vectored
// writes, and the persister that advances the durable epoch marker.
//
// Commit records flow from the engine into the committing worker's
// current buffer. Each writer goroutine owns one log file and a subset
// of workers; every ~100 ms it drains those workers' ready buffers with
// writev, then records how far each worker has reached. The single
// persister goroutine computes the minimum reached epoch across all
// (writer, worker) pairs and publishes it crash-atomically to the
// pepoch file. A transaction in epoch e is acknowledged only once the
// system sync epoch has reached e.
//
// # Key Features
//
//   - Per-worker buffer rings with a strict scratch/ready/iovec flow
//   - Vectored writes batching many buffers per syscall
//   - Crash-atomic durable-epoch publication via write-then-rename
//   - Log rotation after a configurable epoch span
//   - Exclusive lock on the log root against concurrent processes
//
// # Usage Examples
//
//	log, err := persist.Open(persist.Options{
//	    Root:     "/silo_log",
//	    LogFiles: []string{"/silo_log/log0/"},
//	    Workers:  4,
//	}, epochs, m)
//	if err != nil {
//	    return err
//	}
//	log.Start()
//	defer log.Stop()
//
//	eng := core.NewEngine(log)
//
// # Dangers and Warnings
//
//   - I/O errors after commit are fatal: durability was promised, so
//     the process terminates rather than acknowledge lost records.
//   - Stop drains and fsyncs; call it only after in-flight
//     transactions have finished.
//   - One worker id must map to one goroutine at a time, or records
//     from different transactions interleave inside a buffer.
package persist

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kianostad/stm/internal/concurrency/epoch"
	"github.com/kianostad/stm/internal/core"
	"github.com/kianostad/stm/internal/monitoring/metrics"
)

const (
	// iovMax bounds the iovec count handed to one writev call.
	iovMax = 1024

	tickInterval = 100 * time.Millisecond
)

// Options configures the pipeline. Zero values take defaults.
type Options struct {
	// Root holds pepoch and the root lock.
	Root string
	// LogFiles are per-writer path prefixes: the active file is
	// <prefix>data.log and archives are <prefix>old_data<epoch>.
	LogFiles []string
	// Workers is the number of worker ids commits may use.
	Workers int
	// Assignments partitions worker ids across writers. Defaults to a
	// block partition.
	Assignments [][]int
	// CallFsync fsyncs after each writev batch.
	CallFsync bool
	// FakeWrites skips all file I/O, keeping only the bookkeeping.
	FakeWrites bool
	// MaxLagEpochs bounds how many epochs a writer may stream ahead of
	// the system sync epoch.
	MaxLagEpochs uint64
	// PerThreadBuffers is the buffer ring depth per worker.
	PerThreadBuffers int
	// BufferSize is the byte capacity of each log buffer.
	BufferSize int
	// RotationEpochs is the epoch span after which the active file is
	// archived.
	RotationEpochs uint64
	// Logger overrides the pipeline logger.
	Logger *logrus.Logger
}

const (
	DefaultRoot             = "/silo_log"
	DefaultMaxLagEpochs     = 100
	DefaultPerThreadBuffers = 4
	DefaultBufferSize       = 1 << 20
	DefaultRotationEpochs   = 200
)

func (o Options) withDefaults() Options {
	if o.Root == "" {
		o.Root = DefaultRoot
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.MaxLagEpochs == 0 {
		o.MaxLagEpochs = DefaultMaxLagEpochs
	}
	if o.PerThreadBuffers < 1 {
		o.PerThreadBuffers = DefaultPerThreadBuffers
	}
	if o.BufferSize < headerSize {
		o.BufferSize = DefaultBufferSize
	}
	if o.RotationEpochs == 0 {
		o.RotationEpochs = DefaultRotationEpochs
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	return o
}

// Log is the durability pipeline. It implements core.CommitLog.
type Log struct {
	opts    Options
	epochs  *epoch.Manager
	metrics *metrics.Metrics
	logger  *logrus.Entry

	rootLock *flock.Flock
	workers  []*workerLog
	writers  []*writer
	pers     *persister

	// pte is per_thread_sync_epochs: how far writer i has made worker
	// k's records durable on disk.
	pte [][]atomic.Uint64

	systemSyncEpoch atomic.Uint64

	mu   sync.Mutex
	cond *sync.Cond

	stop    atomic.Bool
	started atomic.Bool
	wg      sync.WaitGroup
}

// Open validates the options, locks the log root, and opens the writer
// files. The pipeline does not run until Start.
func Open(opts Options, epochs *epoch.Manager, m *metrics.Metrics) (*Log, error) {
	opts = opts.withDefaults()
	if len(opts.LogFiles) < 1 || len(opts.LogFiles) > 32 {
		return nil, errors.Errorf("persist: need between 1 and 32 log files, got %d", len(opts.LogFiles))
	}
	if m == nil {
		m = metrics.New()
	}

	if err := ensureDir(opts.Root); err != nil {
		return nil, errors.Wrapf(err, "persist: create root %s", opts.Root)
	}
	rootLock := flock.New(filepath.Join(opts.Root, "LOCK"))
	held, err := rootLock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "persist: lock root %s", opts.Root)
	}
	if !held {
		return nil, errors.Errorf("persist: root %s is locked by another process", opts.Root)
	}

	l := &Log{
		opts:     opts,
		epochs:   epochs,
		metrics:  m,
		logger:   opts.Logger.WithField("component", "persist"),
		rootLock: rootLock,
	}
	l.cond = sync.NewCond(&l.mu)

	for k := 0; k < opts.Workers; k++ {
		l.workers = append(l.workers, newWorkerLog(k, opts.BufferSize, opts.PerThreadBuffers))
	}

	assignments := opts.Assignments
	if assignments == nil {
		assignments = blockPartition(opts.Workers, len(opts.LogFiles))
	}
	if len(assignments) != len(opts.LogFiles) {
		l.release()
		return nil, errors.Errorf("persist: %d assignments for %d log files", len(assignments), len(opts.LogFiles))
	}

	l.pte = make([][]atomic.Uint64, len(opts.LogFiles))
	for i, prefix := range opts.LogFiles {
		l.pte[i] = make([]atomic.Uint64, opts.Workers)
		w, err := newWriter(l, i, prefix, assignments[i])
		if err != nil {
			l.release()
			return nil, err
		}
		l.writers = append(l.writers, w)
	}
	l.pers = newPersister(l)
	return l, nil
}

// blockPartition splits worker ids into contiguous blocks, one per
// writer.
func blockPartition(workers, writers int) [][]int {
	out := make([][]int, writers)
	per := (workers + writers - 1) / writers
	for k := 0; k < workers; k++ {
		i := k / per
		if i >= writers {
			i = writers - 1
		}
		out[i] = append(out[i], k)
	}
	return out
}

// Start launches the writer and persister goroutines.
func (l *Log) Start() {
	if l.started.Swap(true) {
		return
	}
	for _, w := range l.writers {
		l.wg.Add(1)
		go w.run()
	}
	l.wg.Add(1)
	go l.pers.run()
	l.logger.WithFields(logrus.Fields{
		"root":    l.opts.Root,
		"writers": len(l.writers),
		"workers": l.opts.Workers,
	}).Info("durability pipeline started")
}

// Stop drains the pipeline: writers flush and fsync what remains, the
// persister publishes a final epoch, files close, the root unlocks.
func (l *Log) Stop() {
	if !l.started.Load() || l.stop.Swap(true) {
		return
	}
	l.kickAll()
	l.wg.Wait()
	l.release()
	l.logger.WithField("epoch", l.systemSyncEpoch.Load()).Info("durability pipeline stopped")
}

func (l *Log) release() {
	for _, w := range l.writers {
		w.close()
	}
	if l.rootLock != nil {
		_ = l.rootLock.Unlock()
	}
}

func (l *Log) kickAll() {
	for _, w := range l.writers {
		w.poke()
	}
	if l.pers != nil {
		l.pers.poke()
	}
}

// Append implements core.CommitLog. Called with the commit still
// holding its write locks, so it must not block on I/O.
func (l *Log) Append(worker int, tid uint64, writes []core.LogEntry) {
	n := l.workers[worker%len(l.workers)].append(tid, writes, l.opts.BufferSize)
	l.metrics.RecordLogRecord()
	l.metrics.RecordLogBytes(n)
}

// WaitDurable implements core.CommitLog: blocks until the system sync
// epoch reaches e.
func (l *Log) WaitDurable(e uint64) {
	if l.systemSyncEpoch.Load() >= e {
		return
	}
	start := time.Now()
	l.kickAll()
	l.mu.Lock()
	for l.systemSyncEpoch.Load() < e && !l.stop.Load() {
		l.cond.Wait()
	}
	l.mu.Unlock()
	l.metrics.RecordDurableWait(time.Since(start))
}

// SyncEpoch returns the published durable epoch.
func (l *Log) SyncEpoch() uint64 { return l.systemSyncEpoch.Load() }
