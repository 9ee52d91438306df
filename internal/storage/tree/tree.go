// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package tree provides a transactional red-black tree: an ordered
// keyed mapping whose operations compose into serializable transactions
// driven by the core engine.
//
// The tree is the reference implementation of the hard half of the
// transactable-object contract. Present reads validate a per-node value
// version; absent reads track the structural versions of the gap's two
// boundary nodes, so a concurrent insert into that gap invalidates the
// reader at commit (phantom prevention). Speculative inserts are marked
// with a version-word insert bit and stay invisible to every other
// transaction until they install.
//
// # Key Features
//
//   - Count, Get, Put, Erase, Size, and ordered iteration
//   - Phantom prevention via boundary nodeversion tracking
//   - Insert and delete tags resolving read-my-write chains
//   - Size maintained as a per-transaction offset item
//   - Epoch-deferred node reclamation with pooling
//
// # Usage Examples
//
//	eng := core.NewEngine(nil)
//	eng.Start()
//	defer eng.Stop()
//
//	tr := tree.New[int, int](eng.Epochs())
//	eng.Atomically(func(t *core.Txn) error {
//	    if err := tr.Put(t, 1, 10); err != nil {
//	        return err
//	    }
//	    n, err := tr.Count(t, 1)
//	    if err != nil {
//	        return err
//	    }
//	    _ = n // 1, same transaction sees its own insert
//	    return nil
//	})
//
// # Concurrency
//
// Structure traversal is serialized by a coarse tree lock held only for
// the duration of a descent; the engine's optimistic validation provides
// all cross-transaction concurrency control. Node payloads are read
// through atomic pointers so installs never tear a reader.
package tree

import (
	"cmp"
	"sync"
	"sync/atomic"

	"github.com/kianostad/stm/internal/concurrency/epoch"
	"github.com/kianostad/stm/internal/concurrency/spinlock"
	"github.com/kianostad/stm/internal/core"
)

// Item tag bits: insertTag marks an item whose node this transaction
// speculatively inserted; deleteTag marks a pending erase.
const (
	insertTag = core.FlagUser0
	deleteTag = core.FlagUser1
)

// insertBit on a node's value version marks a speculative, not yet
// committed insert. Such nodes are phantoms to every other transaction.
const insertBit = core.UserBit0

// sentinel keys address the tree-wide version words: treeKey guards
// "the tree was empty", sizeKey guards the element count.
type sentinel uint8

const (
	treeKey sentinel = iota + 1
	sizeKey
)

// Rank implements core.Ranked. Sentinels sort after every node so the
// size and tree versions are always locked last.
func (s sentinel) Rank() uint64 { return ^uint64(0) - 2 + uint64(s) }

// structuralKey addresses a node's nodeversion in the item set, distinct
// from the node itself which addresses its value version.
type structuralKey[K cmp.Ordered, V any] struct {
	n *node[K, V]
}

// Rank implements core.Ranked. Structural items are read-only, but the
// method keeps the key self-describing.
func (s structuralKey[K, V]) Rank() uint64 { return s.n.rank }

// Codec encodes keys and values for the durability log. A tree without
// a codec is volatile: its commits produce no log records.
type Codec[K cmp.Ordered, V any] struct {
	EncodeKey   func(K) []byte
	EncodeValue func(V) []byte
}

// Tree is a transactional ordered map from K to V.
type Tree[K cmp.Ordered, V any] struct {
	id     uint64
	epochs *epoch.Manager
	codec  *Codec[K, V]

	treelock    spinlock.SpinLock
	root        *node[K, V]
	treeversion core.TVersion
	sizeversion core.TVersion
	size        atomic.Int64

	pool sync.Pool
}

// New creates an empty tree. Unlinked nodes are handed to the epoch
// manager for deferred reclamation.
func New[K cmp.Ordered, V any](epochs *epoch.Manager) *Tree[K, V] {
	tr := &Tree[K, V]{
		id:     core.NextObjectID(),
		epochs: epochs,
	}
	tr.pool.New = func() any { return new(node[K, V]) }
	tr.treeversion.Store(core.IncrementValue)
	tr.sizeversion.Store(core.IncrementValue)
	return tr
}

// WithCodec attaches a log codec and returns the tree.
func (tr *Tree[K, V]) WithCodec(c Codec[K, V]) *Tree[K, V] {
	tr.codec = &c
	return tr
}

// ObjectID implements core.Shared.
func (tr *Tree[K, V]) ObjectID() uint64 { return tr.id }

func hasInsert(it *core.Item) bool { return it.HasFlags(insertTag) }
func hasDelete(it *core.Item) bool { return it.HasFlags(deleteTag) }

func isInserted(w uint64) bool { return core.HasUserBits(w, insertBit) }

// isPhantom reports whether n is a speculative insert of some other
// transaction and therefore invisible to t.
func (tr *Tree[K, V]) isPhantom(t *core.Txn, n *node[K, V]) bool {
	if !isInserted(n.version.Load()) {
		return false
	}
	it := t.Item(tr, n)
	return !hasInsert(it) && !hasDelete(it)
}

// findResult carries the outcome of a descent: the node when found, or
// the would-be parent and the gap's boundary nodes when absent.
type findResult[K cmp.Ordered, V any] struct {
	n      *node[K, V]
	found  bool
	parent *node[K, V]
	right  bool // attach side under parent
	pred   *node[K, V]
	succ   *node[K, V]
}

// descend walks the tree for key without taking any items. Requires the
// tree lock.
func (tr *Tree[K, V]) descend(key K) findResult[K, V] {
	var res findResult[K, V]
	x := tr.root
	for x != nil {
		switch {
		case key < x.key:
			res.succ = x
			res.parent = x
			res.right = false
			x = x.left
		case key > x.key:
			res.pred = x
			res.parent = x
			res.right = true
			x = x.right
		default:
			res.n = x
			res.found = true
			return res
		}
	}
	return res
}

// findOrAbort descends for key and records the reads that make the
// observation serializable: the node's value version for a present get,
// the boundary nodeversions (or the tree version on an empty tree) for
// an absent get. It aborts when the key resolves to another
// transaction's phantom. Requires the tree lock; on abort the lock is
// released before returning.
func (tr *Tree[K, V]) findOrAbort(t *core.Txn, key K, insert bool) (findResult[K, V], error) {
	res := tr.descend(key)

	if res.found {
		x := res.n
		if isInserted(x.version.Load()) {
			it := t.Item(tr, x)
			if hasInsert(it) || hasDelete(it) {
				return res, nil
			}
			tr.treelock.Unlock()
			return res, t.Abort()
		}
		if !insert {
			t.Item(tr, x).AddRead(x.version.Load())
		}
		return res, nil
	}

	if insert {
		if res.parent != nil && tr.isPhantom(t, res.parent) {
			tr.treelock.Unlock()
			return res, t.Abort()
		}
		return res, nil
	}

	if res.parent == nil {
		t.Item(tr, treeKey).AddRead(tr.treeversion.Load())
		return res, nil
	}
	for _, b := range []*node[K, V]{res.pred, res.succ} {
		if b != nil {
			t.Item(tr, structuralKey[K, V]{n: b}).AddRead(b.nodeversion.Load())
		}
	}
	return res, nil
}

// changeSizeOffset accumulates a size delta on the transaction's size
// item. The offset installs against the base size at commit.
func (tr *Tree[K, V]) changeSizeOffset(t *core.Txn, delta int64) {
	it := t.Item(tr, sizeKey)
	var prev int64
	if it.HasWrite() {
		prev = it.WriteValue().(int64)
	}
	it.AddWrite(prev + delta)
}

// newNode allocates a node for key from the pool. The value version
// starts with the insert bit set; the nodeversion carries over from the
// node's previous life so recycled structural observations never
// collide.
func (tr *Tree[K, V]) newNode(key K) *node[K, V] {
	n := tr.pool.Get().(*node[K, V])
	n.rank = core.NextObjectID()
	n.key = key
	var zero V
	n.value.Store(&zero)
	n.version.Store(core.IncrementValue | insertBit)
	return n
}

// insertAbsent splices a fresh phantom node for key into the gap found
// by the descent. Callers hold the tree lock; it is released on return.
func (tr *Tree[K, V]) insertAbsent(t *core.Txn, res findResult[K, V], key K) *node[K, V] {
	n := tr.newNode(key)
	tr.spliceUnder(n, res.parent, res.right)

	if res.parent == nil {
		t.Item(tr, treeKey).AddWrite(int64(0))
	} else {
		before, after := res.parent.incNodeversion()
		it := t.Item(tr, structuralKey[K, V]{n: res.parent})
		if it.HasRead() && it.ReadVersion() == before {
			it.UpdateRead(after)
		}
	}

	var zero V
	it := t.Item(tr, n)
	it.AddWrite(zero)
	it.AddFlags(insertTag)
	tr.treelock.Unlock()
	tr.changeSizeOffset(t, 1)
	return n
}

// insert returns the node for key, splicing a phantom when absent. The
// returned node is writable by t.
func (tr *Tree[K, V]) insert(t *core.Txn, key K) (*node[K, V], error) {
	tr.treelock.Lock()
	res, err := tr.findOrAbort(t, key, true)
	if err != nil {
		return nil, err
	}
	if !res.found {
		return tr.insertAbsent(t, res, key), nil
	}

	x := res.n
	it := t.Item(tr, x)
	if hasDelete(it) {
		it.ClearFlags(deleteTag)
		if isInserted(x.version.Load()) {
			// insert-my-delete of my own insert: the node is still
			// ours alone, so revive it in place.
			it.AddFlags(insertTag)
			var zero V
			x.value.Store(&zero)
		}
		var zero V
		it.AddWrite(zero)
		tr.treelock.Unlock()
		tr.changeSizeOffset(t, 1)
		return x, nil
	}
	it.AddRead(x.version.Load())
	tr.treelock.Unlock()
	return x, nil
}

// Put sets key to value inside t.
func (tr *Tree[K, V]) Put(t *core.Txn, key K, value V) error {
	n, err := tr.insert(t, key)
	if err != nil {
		return err
	}
	t.Item(tr, n).AddWrite(value)
	return nil
}

// Get returns the value for key inside t. Absent keys are tracked
// against the gap's boundary nodeversions.
func (tr *Tree[K, V]) Get(t *core.Txn, key K) (V, bool, error) {
	var zero V
	tr.treelock.Lock()
	res, err := tr.findOrAbort(t, key, false)
	if err != nil {
		return zero, false, err
	}
	if !res.found {
		tr.treelock.Unlock()
		return zero, false, nil
	}
	x := res.n
	it := t.Item(tr, x)
	if isInserted(x.version.Load()) && hasDelete(it) {
		tr.treelock.Unlock()
		return zero, false, nil
	}
	if it.HasWrite() {
		tr.treelock.Unlock()
		if hasDelete(it) {
			return zero, false, nil
		}
		return it.WriteValue().(V), true, nil
	}
	v := *x.value.Load()
	tr.treelock.Unlock()
	return v, true, nil
}

// Count reports whether key is present inside t (0 or 1).
func (tr *Tree[K, V]) Count(t *core.Txn, key K) (int, error) {
	tr.treelock.Lock()
	res, err := tr.findOrAbort(t, key, false)
	if err != nil {
		return 0, err
	}
	if res.found {
		x := res.n
		it := t.Item(tr, x)
		if isInserted(x.version.Load()) && hasDelete(it) {
			// read my insert-then-delete
			tr.treelock.Unlock()
			return 0, nil
		}
	}
	tr.treelock.Unlock()
	if res.found {
		return 1, nil
	}
	return 0, nil
}

// Erase removes key inside t, returning the number of erased elements
// (0 or 1).
func (tr *Tree[K, V]) Erase(t *core.Txn, key K) (int, error) {
	tr.treelock.Lock()
	res, err := tr.findOrAbort(t, key, false)
	if err != nil {
		return 0, err
	}
	if !res.found {
		tr.treelock.Unlock()
		return 0, nil
	}

	x := res.n
	it := t.Item(tr, x)
	if isInserted(x.version.Load()) {
		switch {
		case hasInsert(it):
			// erase my own speculative insert: the install path will
			// see only the delete tag and unlink the phantom.
			var zero V
			it.AddWrite(zero)
			it.ClearFlags(insertTag)
			it.AddFlags(deleteTag)
			tr.treelock.Unlock()
			tr.changeSizeOffset(t, -1)
			return 1, nil
		case hasDelete(it):
			tr.treelock.Unlock()
			return 0, nil
		default:
			tr.treelock.Unlock()
			return 0, t.Abort()
		}
	}
	if hasDelete(it) {
		tr.treelock.Unlock()
		return 0, nil
	}
	var zero V
	it.AddWrite(zero)
	it.AddFlags(deleteTag)
	tr.treelock.Unlock()
	tr.changeSizeOffset(t, -1)
	return 1, nil
}

// Size returns the element count inside t: the installed base size plus
// t's own pending offset. The read is validated against the size
// version at commit.
func (tr *Tree[K, V]) Size(t *core.Txn) int64 {
	it := t.Item(tr, sizeKey)
	if !it.HasRead() {
		it.AddRead(tr.sizeversion.Load())
	}
	var offset int64
	if it.HasWrite() {
		offset = it.WriteValue().(int64)
	}
	return tr.size.Load() + offset
}

// retireTID is the reclamation fence for a node unlinked now: any
// transaction that could still hold a pointer has a start TID below it.
func (tr *Tree[K, V]) retireTID() uint64 {
	return core.MakeTID(tr.epochs.Global()+1, 0)
}

// deferFree hands an unlinked node to the epoch manager and eventually
// back to the pool.
func (tr *Tree[K, V]) deferFree(n *node[K, V]) {
	tr.epochs.DeferFree(tr.retireTID(), func() {
		tr.pool.Put(n)
	})
}
