// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package mvcc implements multiversion transactional objects and the
// registry that reclaims their obsolete versions.
//
// An MvObject keeps a chain of immutable versions instead of a single
// in-place value. Readers walk the chain to the newest version at or
// below their snapshot TID and never block or validate; writers push a
// fresh version at commit under the object's version word. The registry
// records every object on its first committed write and a background
// collector trims versions no running transaction can still see.
//
// # Key Features
//
//   - Wait-free snapshot reads against the transaction's start TID
//   - Lock-free version publishing with a CAS on the chain head
//   - Tombstone versions for logical deletion
//   - Version recycling through a sync.Pool
//   - Epoch-deferred reclamation so in-flight readers stay safe
//
// # Usage Examples
//
//	reg := mvcc.NewRegistry(epochs, workers)
//	reg.Start()
//	defer reg.Stop()
//
//	obj := mvcc.NewMvObject[string](reg)
//	err := eng.Atomically(func(t *core.Txn) error {
//	    obj.Write(t, "hello")
//	    return nil
//	})
//
//	err = eng.Atomically(func(t *core.Txn) error {
//	    v, ok := obj.Read(t)
//	    ...
//	})
//
// # Dangers and Warnings
//
//   - Snapshot reads are not validated at commit. A transaction that
//     only reads MvObjects observes a consistent snapshot but does not
//     conflict with concurrent writers.
//   - Without a started registry, version chains grow without bound.
//   - Version structs are pooled. Never retain a version pointer past
//     the read that produced it.
package mvcc

import (
	"sync/atomic"

	"github.com/kianostad/stm/internal/core"
)

// version is one immutable link in an object's chain, newest first.
// wtid is written before the CAS that publishes the version and never
// changes afterwards. The padding keeps neighboring versions from
// sharing a cache line.
type version[T any] struct {
	wtid uint64
	val  T
	tomb bool
	next atomic.Pointer[version[T]]

	_ [32]byte
}

// mvWrite is the buffered write payload carried in the item set until
// install.
type mvWrite[T any] struct {
	val  T
	tomb bool
}

// MvObject is a multiversioned transactional cell. The version word
// serializes writers at commit; readers only touch the chain head.
type MvObject[T any] struct {
	id      uint64
	version core.TVersion
	head    atomic.Pointer[version[T]]

	reg        *Registry
	pool       *VersionPool[T]
	registered atomic.Bool
}

// NewMvObject creates an empty multiversioned object. The registry may
// be nil, in which case versions are never reclaimed.
func NewMvObject[T any](reg *Registry) *MvObject[T] {
	return &MvObject[T]{
		id:   core.NextObjectID(),
		reg:  reg,
		pool: NewVersionPool[T](),
	}
}

// ObjectID implements core.Shared.
func (o *MvObject[T]) ObjectID() uint64 { return o.id }

// Read returns the value visible at the transaction's snapshot. The
// transaction's own pending write wins. No read is tracked: snapshot
// visibility replaces commit-time validation for multiversioned cells.
func (o *MvObject[T]) Read(t *core.Txn) (T, bool) {
	if t.HasItem(o, nil) {
		it := t.Item(o, nil)
		if it.HasWrite() {
			w := it.WriteValue().(mvWrite[T])
			if w.tomb {
				var zero T
				return zero, false
			}
			return w.val, true
		}
	}
	return o.ReadAt(t.StartTID())
}

// ReadAt returns the newest version with wtid at or below rt. Chains
// are sorted newest first, so the walk stops at the first hit.
func (o *MvObject[T]) ReadAt(rt uint64) (T, bool) {
	for v := o.head.Load(); v != nil; v = v.next.Load() {
		if v.wtid <= rt {
			if v.tomb {
				break
			}
			return v.val, true
		}
	}
	var zero T
	return zero, false
}

// Latest returns the most recently committed value.
func (o *MvObject[T]) Latest() (T, bool) {
	return o.ReadAt(^uint64(0))
}

// Write buffers a new value to publish at commit.
func (o *MvObject[T]) Write(t *core.Txn, val T) {
	t.Item(o, nil).AddWrite(mvWrite[T]{val: val})
}

// Delete buffers a tombstone to publish at commit.
func (o *MvObject[T]) Delete(t *core.Txn) {
	t.Item(o, nil).AddWrite(mvWrite[T]{tomb: true})
}

// Lock implements core.Shared.
func (o *MvObject[T]) Lock(it *core.Item, t *core.Txn) bool {
	if !o.version.Lock() {
		return false
	}
	it.SetLockedVersion(o.version.Load())
	return true
}

// Check implements core.Shared. The engine validates only items that
// carry a read, and MvObject never tracks reads, so commits do not
// call it for MvObject items.
func (o *MvObject[T]) Check(it *core.Item, t *core.Txn) bool {
	return o.version.Check(it.ReadVersion(), it.LockHeld())
}

// Install implements core.Shared. Publishes the buffered write as a new
// chain head stamped with the commit TID and registers the object with
// the collector on its first committed write.
func (o *MvObject[T]) Install(it *core.Item, t *core.Txn) {
	w := it.WriteValue().(mvWrite[T])
	v := o.pool.Get()
	v.wtid = t.CommitTID()
	v.val = w.val
	v.tomb = w.tomb
	for {
		old := o.head.Load()
		v.next.Store(old)
		if o.head.CompareAndSwap(old, v) {
			break
		}
	}
	o.version.SetVersion(t.CommitTID())
	if o.reg != nil && o.registered.CompareAndSwap(false, true) {
		o.reg.register(t.WorkerID(), &regEntry{obj: o, tid: t.CommitTID()})
	}
}

// Unlock implements core.Shared.
func (o *MvObject[T]) Unlock(it *core.Item, t *core.Txn) {
	o.version.Unlock()
}

// collect unlinks every version strictly older than the newest one
// below horizon. That newest-below version stays as the base any
// running reader can still resolve. The unlinked tail is recycled after
// the current epoch drains.
func (o *MvObject[T]) collect(horizon uint64) {
	v := o.head.Load()
	for v != nil && v.wtid >= horizon {
		v = v.next.Load()
	}
	if v == nil {
		return
	}
	tail := v.next.Swap(nil)
	if tail == nil {
		return
	}
	o.retireChain(tail)
}

// flatten consolidates a fully collected chain. When only a tombstone
// base older than the horizon remains, the chain is dropped entirely
// and the object deregisters; a later write re-registers on install.
// Returns true when the object has nothing left to collect.
func (o *MvObject[T]) flatten(horizon uint64) bool {
	head := o.head.Load()
	if head == nil {
		o.registered.Store(false)
		return true
	}
	if head.next.Load() != nil || !head.tomb || head.wtid >= horizon {
		return false
	}
	if o.head.CompareAndSwap(head, nil) {
		head.next.Store(nil)
		o.retireChain(head)
	}
	o.registered.Store(false)
	return true
}

func (o *MvObject[T]) retireChain(v *version[T]) {
	if o.reg == nil {
		return
	}
	o.reg.retire(func() {
		for v != nil {
			next := v.next.Load()
			o.pool.Put(v)
			v = next
		}
	})
}
