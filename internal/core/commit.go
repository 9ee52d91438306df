// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import "sort"

// tryCommit runs the two-phase commit protocol. It returns true when the
// transaction installed; on false all speculative state has been unwound
// and the caller may retry.
//
// Phases, in order: predicate pre-check, sort writes, lock, compute
// commit TID, validate reads, install, log, unlock, cleanup.
func (e *Engine) tryCommit(t *Txn) bool {
	for _, it := range t.items {
		if !it.HasPredicate() {
			continue
		}
		pc, ok := it.owner.(PredicateChecker)
		if !ok {
			panic("stm: predicate item on object without CheckPredicate")
		}
		if !pc.CheckPredicate(it, t, false) {
			e.unwind(t)
			return false
		}
	}

	writes := make([]*Item, 0, len(t.items))
	for _, it := range t.items {
		if it.needsCommit() {
			writes = append(writes, it)
		}
	}
	sort.Slice(writes, func(i, j int) bool {
		a, b := writes[i], writes[j]
		if a.owner.ObjectID() != b.owner.ObjectID() {
			return a.owner.ObjectID() < b.owner.ObjectID()
		}
		return keyRank(a.key) < keyRank(b.key)
	})

	for _, it := range writes {
		if !it.owner.Lock(it, t) {
			e.unwind(t)
			return false
		}
		it.flags |= flagLockHeld
	}

	t.commitTID = e.computeCommitTID(t, writes)

	for _, it := range t.items {
		if it.HasRead() && !it.owner.Check(it, t) {
			e.unwind(t)
			return false
		}
		if it.HasPredicate() {
			if !it.owner.(PredicateChecker).CheckPredicate(it, t, true) {
				e.unwind(t)
				return false
			}
		}
	}

	for _, it := range writes {
		it.owner.Install(it, t)
		e.metrics.RecordInstall()
	}

	if e.log != nil {
		var entries []LogEntry
		for _, it := range writes {
			lw, ok := it.owner.(LogWriter)
			if !ok {
				continue
			}
			if k, v, ok := lw.LogRecord(it); ok {
				entries = append(entries, LogEntry{Key: k, Val: v})
			}
		}
		if len(entries) > 0 {
			e.log.Append(t.worker, t.commitTID, entries)
		}
	}

	for i := len(writes) - 1; i >= 0; i-- {
		it := writes[i]
		if it.lockHeld() {
			it.owner.Unlock(it, t)
			it.flags &^= flagLockHeld
		}
	}

	for _, it := range writes {
		if c, ok := it.owner.(Cleaner); ok {
			c.Cleanup(it, true)
		}
	}
	return true
}

// computeCommitTID folds every tracked read version, every locked write
// version, and a fresh sequence number into the commit TID. The result
// is strictly greater than any version the transaction witnessed and
// carries the current epoch.
func (e *Engine) computeCommitTID(t *Txn, writes []*Item) uint64 {
	tid := MakeTID(e.epochs.Global(), e.seq.Add(1))
	for _, it := range t.items {
		if !it.HasRead() {
			continue
		}
		if v := it.readVersion &^ (LockBit | UserBitsMask); v >= tid {
			tid = v + IncrementValue
		}
	}
	for _, it := range writes {
		if v := it.lockedVersion &^ (LockBit | UserBitsMask); v >= tid {
			tid = v + IncrementValue
		}
	}
	return tid
}

// unwind reverts a failed or aborted transaction: still-held locks are
// released and speculative side effects undone, in reverse insertion
// order so nested structural changes unwind the way they were made.
func (e *Engine) unwind(t *Txn) {
	for i := len(t.items) - 1; i >= 0; i-- {
		it := t.items[i]
		if it.lockHeld() {
			it.owner.Unlock(it, t)
			it.flags &^= flagLockHeld
		}
		if it.needsCommit() {
			if c, ok := it.owner.(Cleaner); ok {
				c.Cleanup(it, false)
			}
		}
	}
}
