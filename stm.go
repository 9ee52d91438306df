// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package stm provides a software transactional memory runtime with
// optimistic concurrency control and optional group-commit durability.
//
// Transactions run as ordinary Go closures against transactional
// containers. Reads are validated and writes installed at commit; on
// conflict the closure transparently re-runs. In durable mode every
// commit is logged through per-worker buffers and acknowledged only
// once its epoch is on stable storage.
//
// # Quick Start
//
//	import "github.com/kianostad/stm"
//
//	rt := stm.OpenDefault()
//	defer rt.Close()
//
//	tree := stm.NewTree[int, int](rt)
//	err := rt.Atomically(func(t *stm.Txn) error {
//	    tree.Put(t, 1, 100)
//	    v, _, err := tree.Get(t, 1)
//	    _ = v
//	    return err
//	})
//
// # Key Features
//
//   - Serializable optimistic transactions with transparent retry
//   - Transactional cells, counters with semantic predicates, and an
//     ordered tree with phantom protection
//   - Multiversioned objects with snapshot reads and background
//     garbage collection
//   - Group-commit durability with vectored writes and a
//     crash-atomic durable-epoch marker
//   - Epoch-based memory reclamation
//
// # Usage Examples
//
// Durable mode:
//
//	cfg := stm.DefaultConfig()
//	cfg.NWorkers = 4
//	cfg.LogFiles = []string{"/silo_log/log0/"}
//	rt, err := stm.Open(cfg)
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	w := rt.Worker(0)
//	err = w.Atomically(func(t *stm.Txn) error { ... })
//
// Counters with predicate reads:
//
//	c := stm.NewCounter(0)
//	err := rt.Atomically(func(t *stm.Txn) error {
//	    if c.Positive(t) {
//	        c.Add(t, -1)
//	    }
//	    return nil
//	})
//
// # Dangers and Warnings
//
//   - A Txn must not escape its closure; it is reused across retries.
//   - In durable mode each worker id must be driven by one goroutine
//     at a time.
//   - Close drains the pipeline; do not call it with transactions in
//     flight.
//
// # See Also
//
// For the object contract and engine internals, see internal/core. For
// the durability pipeline, see internal/persist.
package stm

import (
	"cmp"

	"github.com/kianostad/stm/internal/config"
	"github.com/kianostad/stm/internal/core"
	"github.com/kianostad/stm/internal/monitoring/metrics"
	"github.com/kianostad/stm/internal/persist"
	"github.com/kianostad/stm/internal/storage/mvcc"
	"github.com/kianostad/stm/internal/storage/tree"
)

// Re-exported engine types.
type (
	// Txn is the per-attempt transaction context.
	Txn = core.Txn

	// Item is one tracked read or buffered write.
	Item = core.Item

	// Engine issues transactions and commit TIDs.
	Engine = core.Engine

	// Worker binds transactions to a worker id for log-buffer
	// ownership.
	Worker = core.Worker

	// Shared is the contract transactional containers implement.
	Shared = core.Shared

	// Box is a single transactional cell.
	Box[T any] = core.Box[T]

	// Counter is a transactional counter with predicate reads.
	Counter = core.Counter

	// Tree is the ordered transactional container.
	Tree[K cmp.Ordered, V any] = tree.Tree[K, V]

	// MvObject is a multiversioned cell with snapshot reads.
	MvObject[T any] = mvcc.MvObject[T]

	// Config is the runtime option table.
	Config = config.Config

	// Snapshot is a point-in-time copy of the runtime counters.
	Snapshot = metrics.Snapshot

	// LogEntry is one key/value pair of a logged commit record.
	LogEntry = core.LogEntry
)

// ErrAbort is the sentinel a transactional closure returns (usually via
// Txn.Abort) to force a retry.
var ErrAbort = core.ErrAbort

// DefaultConfig returns the volatile-mode configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML configuration file over the defaults.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Runtime ties together the engine, the optional durability pipeline,
// and the multiversion collector.
type Runtime struct {
	cfg Config
	eng *core.Engine
	log *persist.Log
	reg *mvcc.Registry
}

// Open builds and starts a runtime from a validated configuration.
func Open(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{cfg: cfg}
	if cfg.Durable() {
		m := metrics.New()
		eng := core.NewEngineMetrics(nil, m)
		log, err := persist.Open(cfg.PersistOptions(), eng.Epochs(), m)
		if err != nil {
			return nil, err
		}
		eng.AttachLog(log)
		r.eng = eng
		r.log = log
	} else {
		r.eng = core.NewEngine(nil)
	}
	r.reg = mvcc.NewRegistry(r.eng.Epochs(), cfg.NWorkers)
	r.eng.Start()
	if r.log != nil {
		r.log.Start()
	}
	r.reg.Start()
	return r, nil
}

// OpenDefault starts a volatile-mode runtime.
func OpenDefault() *Runtime {
	r, err := Open(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return r
}

// Close stops the collector, drains the pipeline, and halts the
// engine. In-flight transactions must have finished.
func (r *Runtime) Close() {
	r.reg.Stop()
	if r.log != nil {
		r.log.Stop()
	}
	r.eng.Stop()
}

// Engine returns the transaction engine.
func (r *Runtime) Engine() *Engine { return r.eng }

// Worker returns the handle for worker id.
func (r *Runtime) Worker(id int) Worker { return r.eng.Worker(id) }

// Atomically runs fn as a transaction on worker 0.
func (r *Runtime) Atomically(fn func(*Txn) error) error {
	return r.eng.Atomically(fn)
}

// Metrics returns a snapshot of the runtime counters.
func (r *Runtime) Metrics() Snapshot { return r.eng.Metrics().Snapshot() }

// DurableEpoch returns the published durable epoch, or zero in
// volatile mode.
func (r *Runtime) DurableEpoch() uint64 {
	if r.log == nil {
		return 0
	}
	return r.log.SyncEpoch()
}

// NewBox creates a transactional cell.
func NewBox[T any](initial T) *Box[T] { return core.NewBox(initial) }

// NewCounter creates a transactional counter.
func NewCounter(initial int64) *Counter { return core.NewCounter(initial) }

// NewTree creates an ordered transactional container bound to the
// runtime's reclamation machinery.
func NewTree[K cmp.Ordered, V any](r *Runtime) *Tree[K, V] {
	return tree.New[K, V](r.eng.Epochs())
}

// TreeCodec encodes tree keys and values for the durability log.
type TreeCodec[K cmp.Ordered, V any] interface {
	EncodeKey(K) []byte
	EncodeValue(V) []byte
}

// NewTreeCodec is NewTree with a key/value codec so committed writes
// reach the log.
func NewTreeCodec[K cmp.Ordered, V any](r *Runtime, codec TreeCodec[K, V]) *Tree[K, V] {
	return tree.New[K, V](r.eng.Epochs()).WithCodec(tree.Codec[K, V]{
		EncodeKey:   codec.EncodeKey,
		EncodeValue: codec.EncodeValue,
	})
}

// NewMvObject creates a multiversioned cell registered with the
// runtime's collector.
func NewMvObject[T any](r *Runtime) *MvObject[T] {
	return mvcc.NewMvObject[T](r.reg)
}
