// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core implements the transactional execution engine: the version
// word primitive, the read/write set, the optimistic commit protocol, and
// the contract every transactable object implements.
//
// # Key Features
//
//   - Serializable transactions via commit-time validation
//   - Two-phase commit with deterministic lock ordering
//   - Type-erased write payloads recovered by the owning object
//   - Predicate reads for containers with semantic validation
//   - Transparent retry on conflict aborts
//   - Group-commit durability hooks
//
// # Usage Examples
//
// Running a transaction:
//
//	eng := core.NewEngine(nil)
//	eng.Start()
//	defer eng.Stop()
//
//	box := core.NewBox(0)
//	err := eng.Atomically(func(t *core.Txn) error {
//	    v, err := box.Read(t)
//	    if err != nil {
//	        return err
//	    }
//	    box.Write(t, v+1)
//	    return nil
//	})
//
// Implementing a transactable object:
//
//	type myObject struct {
//	    id      uint64
//	    version core.TVersion
//	    value   int
//	}
//
//	func (o *myObject) ObjectID() uint64 { return o.id }
//	// Lock, Check, Install, Unlock per the Shared contract.
//
// # Thread Safety
//
// A Txn is confined to the goroutine running the transactional closure.
// The engine and all containers are safe for concurrent use from any
// number of goroutines, each running its own transactions.
//
// # See Also
//
// For the durability pipeline, see the persist package. For the sample
// red-black tree container, see the storage/tree package.
package core

// Txn is a per-goroutine transaction context: the start TID snapshot,
// the append-only item set, and the commit state. A Txn is created by
// the engine for each execution of a transactional closure and must not
// escape it.
type Txn struct {
	engine *Engine
	worker int

	startTID  uint64
	commitTID uint64

	items []*Item
	index map[itemKey]int

	aborted bool
}

// StartTID returns the transaction's snapshot point: the newest commit
// TID the engine had issued when the transaction began.
func (t *Txn) StartTID() uint64 { return t.startTID }

// CommitTID returns the TID assigned at install time. Zero before the
// install phase runs.
func (t *Txn) CommitTID() uint64 { return t.commitTID }

// WorkerID returns the index of the worker running this transaction.
func (t *Txn) WorkerID() int { return t.worker }

// Item finds or appends the item for (owner, key). The returned pointer
// stays valid for the transaction's lifetime.
func (t *Txn) Item(owner Shared, key any) *Item {
	k := itemKey{owner: owner, key: key}
	if i, ok := t.index[k]; ok {
		return t.items[i]
	}
	it := &Item{owner: owner, key: key}
	t.index[k] = len(t.items)
	t.items = append(t.items, it)
	return it
}

// HasItem reports whether the transaction already tracks (owner, key).
func (t *Txn) HasItem(owner Shared, key any) bool {
	_, ok := t.index[itemKey{owner: owner, key: key}]
	return ok
}

// Abort marks the transaction aborted and returns ErrAbort so container
// code can propagate it in one statement:
//
//	return 0, t.Abort()
func (t *Txn) Abort() error {
	t.aborted = true
	return ErrAbort
}

// reset prepares the context for a fresh attempt.
func (t *Txn) reset(startTID uint64) {
	t.startTID = startTID
	t.commitTID = 0
	t.items = t.items[:0]
	clear(t.index)
	t.aborted = false
}
