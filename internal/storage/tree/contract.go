// Licensed under the MIT License. See LICENSE file in the project root for details.

package tree

import "github.com/kianostad/stm/internal/core"

// The engine drives these entry points at commit. Item keys dispatch on
// type: a *node addresses its value version, a structuralKey addresses
// its nodeversion, and the sentinels address the tree-wide words.

// Lock implements core.Shared.
func (tr *Tree[K, V]) Lock(it *core.Item, t *core.Txn) bool {
	switch k := it.Key().(type) {
	case sentinel:
		v := tr.sentinelVersion(k)
		if !v.Lock() {
			return false
		}
		it.SetLockedVersion(v.Load())
		return true
	case *node[K, V]:
		if !k.version.Lock() {
			return false
		}
		it.SetLockedVersion(k.version.Load())
		return true
	default:
		panic("stm/tree: lock on structural item")
	}
}

// Unlock implements core.Shared.
func (tr *Tree[K, V]) Unlock(it *core.Item, t *core.Txn) {
	switch k := it.Key().(type) {
	case sentinel:
		tr.sentinelVersion(k).Unlock()
	case *node[K, V]:
		k.version.Unlock()
	}
}

func (tr *Tree[K, V]) sentinelVersion(s sentinel) *core.TVersion {
	if s == treeKey {
		return &tr.treeversion
	}
	return &tr.sizeversion
}

// Check implements core.Shared. Value and tree-wide versions compare
// with XOR semantics; structural versions must match exactly, since a
// nodeversion bump is precisely the signal that the gap a reader
// witnessed has been broken.
func (tr *Tree[K, V]) Check(it *core.Item, t *core.Txn) bool {
	switch k := it.Key().(type) {
	case sentinel:
		return tr.sentinelVersion(k).Check(it.ReadVersion(), it.LockHeld())
	case structuralKey[K, V]:
		return it.ReadVersion() == k.n.nodeversion.Load()
	case *node[K, V]:
		return k.version.Check(it.ReadVersion(), it.LockHeld())
	default:
		return false
	}
}

// Install implements core.Shared. Nodeversion bumps for inserts were
// already published during execution; install resolves the tag state.
func (tr *Tree[K, V]) Install(it *core.Item, t *core.Txn) {
	switch k := it.Key().(type) {
	case sentinel:
		if k == treeKey {
			tr.treeversion.IncInvalid()
			return
		}
		tr.size.Add(it.WriteValue().(int64))
		if tr.size.Load() < 0 {
			panic("stm/tree: negative size after install")
		}
		tr.sizeversion.IncInvalid()
	case *node[K, V]:
		deleted := hasDelete(it)
		inserted := hasInsert(it)
		if deleted && inserted {
			panic("stm/tree: item both inserted and deleted at install")
		}
		switch {
		case deleted:
			tr.treelock.Lock()
			tr.removeNode(k)
			k.incNodeversion()
			tr.treelock.Unlock()
			k.version.IncInvalid()
			tr.deferFree(k)
		case inserted:
			v := it.WriteValue().(V)
			k.value.Store(&v)
			k.version.ClearUserBits(insertBit)
		default:
			v := it.WriteValue().(V)
			k.value.Store(&v)
			k.version.IncInvalid()
		}
	}
}

// Cleanup implements core.Cleaner. Aborts unlink any phantom this
// transaction spliced in; committed erases already unlinked in Install.
func (tr *Tree[K, V]) Cleanup(it *core.Item, committed bool) {
	if committed {
		return
	}
	if !hasInsert(it) && !hasDelete(it) {
		return
	}
	k, ok := it.Key().(*node[K, V])
	if !ok {
		return
	}
	if !isInserted(k.version.Load()) {
		return
	}
	tr.treelock.Lock()
	tr.removeNode(k)
	k.version.ClearUserBits(insertBit)
	k.incNodeversion()
	tr.treelock.Unlock()
	tr.deferFree(k)
}

// LogRecord implements core.LogWriter. Only node writes are logged;
// sentinel installs carry no payload. Deletes log an empty value.
func (tr *Tree[K, V]) LogRecord(it *core.Item) (key, val []byte, ok bool) {
	if tr.codec == nil {
		return nil, nil, false
	}
	n, isNode := it.Key().(*node[K, V])
	if !isNode {
		return nil, nil, false
	}
	key = tr.codec.EncodeKey(n.key)
	if hasDelete(it) {
		return key, nil, true
	}
	val = tr.codec.EncodeValue(it.WriteValue().(V))
	return key, val, true
}
