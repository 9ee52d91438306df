// Licensed under the MIT License. See LICENSE file in the project root for details.

package tree

import (
	"cmp"

	"github.com/kianostad/stm/internal/core"
)

// TreeIterator walks the tree in key order inside one transaction. Each
// step tracks the structural versions of the departed and arrived
// nodes, so any concurrent splice into the visited neighborhood
// invalidates the iterating transaction at commit. Iterators are not
// restartable after an abort.
type TreeIterator[K cmp.Ordered, V any] struct {
	tr *Tree[K, V]
	t  *core.Txn
	n  *node[K, V]
}

// Begin positions an iterator at the smallest key.
func (tr *Tree[K, V]) Begin(t *core.Txn) *TreeIterator[K, V] {
	tr.treelock.Lock()
	var n *node[K, V]
	if tr.root == nil {
		t.Item(tr, treeKey).AddRead(tr.treeversion.Load())
	} else {
		n = minimum(tr.root)
		t.Item(tr, structuralKey[K, V]{n: n}).AddRead(n.nodeversion.Load())
	}
	tr.treelock.Unlock()
	return &TreeIterator[K, V]{tr: tr, t: t, n: n}
}

// RBegin positions an iterator at the largest key.
func (tr *Tree[K, V]) RBegin(t *core.Txn) *TreeIterator[K, V] {
	tr.treelock.Lock()
	var n *node[K, V]
	if tr.root == nil {
		t.Item(tr, treeKey).AddRead(tr.treeversion.Load())
	} else {
		n = maximum(tr.root)
		t.Item(tr, structuralKey[K, V]{n: n}).AddRead(n.nodeversion.Load())
	}
	tr.treelock.Unlock()
	return &TreeIterator[K, V]{tr: tr, t: t, n: n}
}

// Valid reports whether the iterator points at a node.
func (it *TreeIterator[K, V]) Valid() bool { return it.n != nil }

// Key returns the current key. Valid only while Valid.
func (it *TreeIterator[K, V]) Key() K { return it.n.key }

// Value returns the current value, tracked as a read of the node's
// value version. The transaction's own pending write wins.
func (it *TreeIterator[K, V]) Value() (V, error) {
	var zero V
	n := it.n
	if it.tr.isPhantom(it.t, n) {
		return zero, it.t.Abort()
	}
	item := it.t.Item(it.tr, n)
	if item.HasWrite() {
		return item.WriteValue().(V), nil
	}
	v := n.version.Load()
	if core.IsLocked(v) {
		return zero, it.t.Abort()
	}
	item.AddRead(v)
	return *n.value.Load(), nil
}

// Next advances to the successor, tracking both nodeversions.
func (it *TreeIterator[K, V]) Next() {
	it.n = it.tr.step(it.t, it.n, true)
}

// Prev steps back to the predecessor, tracking both nodeversions.
func (it *TreeIterator[K, V]) Prev() {
	it.n = it.tr.step(it.t, it.n, false)
}

// step moves the cursor one node in either direction under the tree
// lock, recording structural reads of the departed and arrived nodes.
func (tr *Tree[K, V]) step(t *core.Txn, n *node[K, V], forward bool) *node[K, V] {
	if n == nil {
		return nil
	}
	tr.treelock.Lock()
	var next *node[K, V]
	if forward {
		next = successor(n)
	} else {
		next = predecessor(n)
	}
	t.Item(tr, structuralKey[K, V]{n: n}).AddRead(n.nodeversion.Load())
	if next != nil {
		t.Item(tr, structuralKey[K, V]{n: next}).AddRead(next.nodeversion.Load())
	}
	tr.treelock.Unlock()
	return next
}

// ForEach visits every visible key in order. The transaction's own
// insert-then-delete nodes are skipped; phantoms abort.
func (tr *Tree[K, V]) ForEach(t *core.Txn, fn func(key K, value V) error) error {
	for it := tr.Begin(t); it.Valid(); it.Next() {
		n := it.n
		item := t.Item(tr, n)
		if isInserted(n.version.Load()) && hasDelete(item) {
			continue
		}
		v, err := it.Value()
		if err != nil {
			return err
		}
		if err := fn(it.Key(), v); err != nil {
			return err
		}
	}
	return nil
}
